// Package models - page.go defines the Page model: documentation pages used
// as general conditions attached to plans.
package models

import "time"

// Page represents a documentation page
type Page struct {
	ID        string
	Name      string
	Published bool
	// ContentRevisionID identifies the current revision of the page content.
	// Subscribers must accept this exact revision when the page is used as
	// general conditions of a plan.
	ContentRevisionID int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
