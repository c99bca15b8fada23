package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RequiresMediatorDID(t *testing.T) {
	t.Setenv("MEDIATOR_DID", "")
	if _, err := Load(""); err == nil {
		t.Fatal("Load() with no mediator_did anywhere = nil error, want one")
	}
}

func TestLoad_EnvFallback(t *testing.T) {
	t.Setenv("MEDIATOR_DID", "did:web:mediator.example")
	t.Setenv("MEDIATOR_SERVICE_ENDPOINT", "https://mediator.example/inbox")
	t.Setenv("MEDIATOR_MAILBOX_SOFT_CAP", "500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MediatorDID != "did:web:mediator.example" {
		t.Errorf("MediatorDID = %q", cfg.MediatorDID)
	}
	if cfg.MailboxSoftCap != 500 {
		t.Errorf("MailboxSoftCap = %d, want 500", cfg.MailboxSoftCap)
	}
	if cfg.ResolverCacheSize != 4096 {
		t.Errorf("ResolverCacheSize = %d, want default 4096", cfg.ResolverCacheSize)
	}
}

func TestLoad_YAMLOverridesDefaultsEnvOverridesNeitherWhenFileSets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mediator.yaml")
	yaml := "mediator_did: did:web:from-file.example\nservice_endpoint: https://from-file.example/inbox\nmailbox_soft_cap: 10\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("MEDIATOR_DID", "did:web:from-env.example")
	t.Setenv("MEDIATOR_MAILBOX_SOFT_CAP", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MediatorDID != "did:web:from-file.example" {
		t.Errorf("MediatorDID = %q, want the YAML value to win since it was set", cfg.MediatorDID)
	}
	if cfg.MailboxSoftCap != 10 {
		t.Errorf("MailboxSoftCap = %d, want 10 from YAML", cfg.MailboxSoftCap)
	}
}
