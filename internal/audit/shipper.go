// Package audit records lifecycle events on plans, subscriptions and API
// keys. Audit records are intentionally separate from application logs
// because they have different consumers and retention requirements —
// application logs are ephemeral debug output consumed by on-call engineers,
// while audit records are immutable history consumed by platform operators
// and may be subject to compliance retention policies measured in years.
// Records are persisted to the database and can additionally be routed to
// external destinations (file, webhook) via the Shipper interface.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// LogEntry is the wire form of an audit record shipped to external destinations.
type LogEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	ReferenceType string            `json:"reference_type"`
	ReferenceID   string            `json:"reference_id"`
	Event         string            `json:"event"`
	Actor         string            `json:"actor,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	OldValue      json.RawMessage   `json:"old_value,omitempty"`
	NewValue      json.RawMessage   `json:"new_value,omitempty"`
}

// Shipper defines the interface for audit log shipping
type Shipper interface {
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close cleans up any resources
	Close() error
}

// ShipperConfig holds configuration for audit log shippers
type ShipperConfig struct {
	// Enabled determines if this shipper is active
	Enabled bool `json:"enabled"`
	// Type is the shipper type (webhook, file)
	Type string `json:"type"`
	// Webhook configuration
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	// File configuration
	File *FileConfig `json:"file,omitempty"`
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	// URL is the webhook endpoint
	URL string `json:"url"`
	// Headers are additional HTTP headers to send
	Headers map[string]string `json:"headers,omitempty"`
	// Timeout is the HTTP request timeout
	Timeout time.Duration `json:"timeout"`
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	// Path is the log file path
	Path string `json:"path"`
	// MaxSizeMB is the maximum file size before rotation
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups is the number of backup files to keep
	MaxBackups int `json:"max_backups"`
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a new multi-shipper from configs
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]Shipper, 0),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Ship sends an entry to all configured shippers
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			// Continue to other shippers; one destination failing must not
			// lose the record for the others.
			lastErr = err
		}
	}
	return lastErr
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper ships audit records to an HTTP endpoint
type WebhookShipper struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &WebhookShipper{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Ship sends an entry to the webhook
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Close closes the webhook shipper
func (ws *WebhookShipper) Close() error {
	return nil
}

// FileShipper appends audit records to a local file as JSON lines
type FileShipper struct {
	cfg  *FileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileShipper{
		cfg:  cfg,
		file: file,
	}, nil
}

// Ship writes an entry to the file
func (fs *FileShipper) Ship(ctx context.Context, entry *LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				return fmt.Errorf("failed to rotate audit log: %w", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}

// rotate rotates the log file
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i)
		newPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i+1)
		_ = os.Rename(oldPath, newPath)
	}

	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")

	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
