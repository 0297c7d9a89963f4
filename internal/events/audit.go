package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AuditLog records control-plane events as append-only JSON lines, one
// event per line. It exists so operators can reconstruct what the
// scheduler did to a run after the fact.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditLog opens the log file for appending, creating parent
// directories as needed.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &AuditLog{file: file, path: path}, nil
}

// Record appends one event to the log and syncs it to disk.
func (a *AuditLog) Record(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return a.file.Sync()
}

// Attach subscribes the log to every event type on the bus. Writes are
// best-effort, matching the bus's fire-and-forget contract. The
// returned function unsubscribes from all types.
func (a *AuditLog) Attach(bus *Bus) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, eventType := range AllEventTypes {
		unsubs = append(unsubs, bus.Subscribe(eventType, func(e Event) {
			_ = a.Record(e)
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Path returns the log file path.
func (a *AuditLog) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

// Close syncs and closes the log file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		return err
	}
	return a.file.Close()
}
