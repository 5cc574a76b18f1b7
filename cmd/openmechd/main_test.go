package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenMech-Chain/internal/config"
	"OpenMech-Chain/internal/observability/alerting"
	"OpenMech-Chain/internal/transaction"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "openmech.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	want := map[string]bool{"serve": false, "migrate": false, "inspect": false, "chain": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("subcommand %s not registered", name)
		}
	}
}

func TestInspectReadsSQLiteStore(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: sqlite\n  sqlite:\n    path: data/openmech.db\nlogging:\n  level: error\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	repo, _, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = repo.Put(ctx, &transaction.Transaction{
		ID:               "tx-cli",
		OwnerAddress:     "0xabc",
		SelectedServices: []transaction.Service{{ID: "1722", Name: "DeFi Analytics Service", Cost: 15}},
		TotalCost:        15,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	repo.Close()

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "tx-cli", "--config", path})
	if err := root.ExecuteContext(ctx); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if decoded["overall_status"] != string(transaction.OverallPending) {
		t.Fatalf("unexpected output: %s", out.String())
	}

	root = newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "missing", "--config", path})
	if err := root.ExecuteContext(ctx); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestMigrateSkipsNonMySQL(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\nlogging:\n  level: error\n")
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--config", path})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out.String(), "memory") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestBuildAlertsChannels(t *testing.T) {
	dispatcher := buildAlerts(config.AlertingConfig{Log: true, WebhookURL: "http://127.0.0.1:1/hook"})
	fanout, ok := dispatcher.(*alerting.FanoutDispatcher)
	if !ok {
		t.Fatalf("unexpected dispatcher type %T", dispatcher)
	}
	channels := fanout.Channels()
	if len(channels) != 2 {
		t.Fatalf("expected log and webhook channels, got %v", channels)
	}
}
