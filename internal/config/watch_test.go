package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchPoliciesReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(policyFile, []byte("policies:\n  Bien:\n    view:\n      roles: [agent]\n"), 0o600); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf("server:\n  policies:\n    policyFile: %s\n", policyFile)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader("IMMOGEST", serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}
	if got := cfg.Policies.Policies["Bien"]["view"].Roles; len(got) != 1 || got[0] != "agent" {
		t.Fatalf("unexpected initial roles: %v", got)
	}

	changeCh := make(chan PolicyDocument, 4)
	errCh := make(chan error, 4)

	watcher, err := loader.WatchPolicies(ctx, cfg, func(doc PolicyDocument) {
		changeCh <- doc
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(policyFile, []byte("policies:\n  Bien:\n    view:\n      roles: [agent, admin]\n"), 0o600); err != nil {
		t.Fatalf("failed to update policy file: %v", err)
	}

	select {
	case doc := <-changeCh:
		roles := doc.Policies["Bien"]["view"].Roles
		if len(roles) != 2 || roles[1] != "admin" {
			t.Fatalf("expected updated roles, got %v", roles)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchPoliciesRequiresFile(t *testing.T) {
	loader := NewLoader("IMMOGEST")
	if _, err := loader.WatchPolicies(context.Background(), DefaultConfig(), func(PolicyDocument) {}, nil); err == nil {
		t.Fatal("expected error without a policy file")
	}
}

func TestWatchPoliciesStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policies.yaml")
	if err := os.WriteFile(policyFile, []byte("policies:\n  Bien:\n    view:\n      roles: [agent]\n"), 0o600); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Server.Policies.PolicyFile = policyFile

	watcher, err := NewLoader("IMMOGEST").WatchPolicies(context.Background(), cfg, func(PolicyDocument) {}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	watcher.Stop()
	watcher.Stop()
}
