package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Pinger is the slice of the store the database check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a Checker that probes the embedded store.
func Database(db Pinger) Checker {
	return Checker{Name: "database", Check: func(ctx context.Context) error {
		return db.Ping(ctx)
	}}
}

// AuditDir returns a Checker that verifies the audit timeline directory
// accepts writes. It creates and removes a probe file on each evaluation.
func AuditDir(dir string) Checker {
	return Checker{Name: "audit_dir", Check: func(_ context.Context) error {
		probe := filepath.Join(dir, ".readyz")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return fmt.Errorf("audit dir not writable: %w", err)
		}
		return os.Remove(probe)
	}}
}

// Upstream returns a Checker that verifies an upstream credential resolved
// at startup. A gateway without one would accept sessions it can never
// serve.
func Upstream(credential string) Checker {
	return Checker{Name: "upstream", Check: func(_ context.Context) error {
		if credential == "" {
			return errors.New("no upstream credential configured")
		}
		return nil
	}}
}
