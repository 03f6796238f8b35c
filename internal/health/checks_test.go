package health

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestDatabase_Healthy(t *testing.T) {
	c := Database(fakePinger{})
	if c.Name != "database" {
		t.Errorf("name = %q, want %q", c.Name, "database")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed: %v", err)
	}
}

func TestDatabase_Failing(t *testing.T) {
	c := Database(fakePinger{err: errors.New("connection refused")})
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error from failing pinger")
	}
}

func TestAuditDir_Writable(t *testing.T) {
	c := AuditDir(t.TempDir())
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed: %v", err)
	}
}

func TestAuditDir_Missing(t *testing.T) {
	c := AuditDir(filepath.Join(t.TempDir(), "does", "not", "exist"))
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestUpstream(t *testing.T) {
	if err := Upstream("sk-test").Check(context.Background()); err != nil {
		t.Errorf("configured credential should pass, got %v", err)
	}
	if err := Upstream("").Check(context.Background()); err == nil {
		t.Error("empty credential should fail")
	}
}
