package daemon

import (
	"strings"
	"testing"

	"github.com/driftlock/driftsync/internal/config"
	"github.com/driftlock/driftsync/internal/schema"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RemoteURL = "http://remote.example"
	cfg.ListenAddr = ""
	cfg.Entities = []schema.EntityMapping{{
		Name:            "customers",
		ExternalIDField: "id",
		UpdatedAtField:  "updated_at",
		SchemaVersion:   1,
	}}
	return cfg
}

func TestNew(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer d.database.Close()

	if d.Engine() == nil {
		t.Error("Engine() returned nil")
	}
	if d.operator != nil {
		t.Error("no operator server expected without a listen address")
	}
}

func TestNew_RequiresEntities(t *testing.T) {
	cfg := testConfig(t)
	cfg.Entities = nil
	if _, err := New(cfg); err == nil {
		t.Error("New() should fail with no entities configured")
	}
}

func TestNew_RequiresRemoteURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.RemoteURL = ""
	_, err := New(cfg)
	if err == nil {
		t.Fatal("New() should fail without remote_url")
	}
	if !strings.Contains(err.Error(), "remote_url") {
		t.Errorf("error = %v, want mention of remote_url", err)
	}
}

func TestNew_RejectsMalformedRemoteURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.RemoteURL = "not a url"
	if _, err := New(cfg); err == nil {
		t.Error("New() should fail on a malformed remote URL")
	}
}
