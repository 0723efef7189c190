// errors.go defines the typed error families returned by the lifecycle
// services. Callers classify failures with errors.As rather than matching on
// message text.
package services

import "fmt"

// NotFoundError is returned when a referenced entity does not exist.
type NotFoundError struct {
	Kind string // "plan", "subscription", "api key", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidStateError is returned when an operation is attempted against an
// entity whose lifecycle status does not allow it.
type InvalidStateError struct {
	Op     string
	Kind   string
	ID     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Kind, e.ID, e.Status)
}

// PolicyError is returned when an operation is structurally valid but
// violates a business rule (duplicate subscription, key conflict, group
// restriction, ...).
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// TechnicalError wraps an unexpected failure from storage or another
// downstream dependency.
type TechnicalError struct {
	Op  string
	Err error
}

func (e *TechnicalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TechnicalError) Unwrap() error {
	return e.Err
}

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func invalidState(op, kind, id, status string) error {
	return &InvalidStateError{Op: op, Kind: kind, ID: id, Status: status}
}

func policyViolation(format string, args ...interface{}) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

func technical(op string, err error) error {
	return &TechnicalError{Op: op, Err: err}
}
