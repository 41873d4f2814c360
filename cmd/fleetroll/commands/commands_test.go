// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/fleetroll/cmd/fleetroll/cli"
	"github.com/bureau-foundation/fleetroll/lib/config"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/ledger"
	"github.com/bureau-foundation/fleetroll/lib/process"
)

func walkCommands(command *cli.Command, path []string, visit func(*cli.Command, []string)) {
	current := append(append([]string(nil), path...), command.Name)
	visit(command, current)
	for _, sub := range command.Subcommands {
		walkCommands(sub, current, visit)
	}
}

func TestCommandTreeLeavesRun(t *testing.T) {
	seen := make(map[string]bool)
	walkCommands(Root(), nil, func(command *cli.Command, path []string) {
		name := strings.Join(path, " ")
		if seen[name] {
			t.Errorf("%s: duplicate command", name)
		}
		seen[name] = true
		if command.Summary == "" && len(path) > 1 {
			t.Errorf("%s: missing summary", name)
		}
		if len(command.Subcommands) == 0 && command.Run == nil {
			t.Errorf("%s: leaf command without Run", name)
		}
	})
	for _, want := range []string{
		"fleetroll probe",
		"fleetroll drift",
		"fleetroll rollout finalize",
		"fleetroll rollout observe",
		"fleetroll audit verify",
		"fleetroll maintenance rotate",
		"fleetroll maintenance compact",
		"fleetroll maintenance clear-halt",
	} {
		if !seen[want] {
			t.Errorf("command %q missing", want)
		}
	}
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "fleetroll.yaml")
	content := "paths:\n  root: " + root + "\nactor: tester\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path, root
}

func TestPopulationCreateIsAudited(t *testing.T) {
	configPath, root := writeConfig(t)
	ctx := context.Background()

	err := Root().Execute(ctx, []string{"population", "create", "--config", configPath, "--role", "gecko_t_linux_talos", "linux"})
	if err != nil {
		t.Fatalf("population create: %v", err)
	}
	if err := Root().Execute(ctx, []string{"audit", "verify", "--config", configPath}); err != nil {
		t.Fatalf("audit verify: %v", err)
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.AuditLog != filepath.Join(root, "audit.jsonl") {
		t.Fatalf("audit log path = %q", cfg.Paths.AuditLog)
	}
	auditLedger, err := ledger.Open(ledger.Config{Path: cfg.Paths.AuditLog})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer auditLedger.Close()
	records, err := auditLedger.Records(ledger.Filter{})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || records[0].Action != fleet.ActionPopulationCreate || records[0].Actor != "tester" {
		t.Fatalf("records = %+v, want one population.create by tester", records)
	}
}

func TestMetricsFileWrittenAfterRun(t *testing.T) {
	configPath, root := writeConfig(t)
	metricsPath := filepath.Join(root, "fleetroll.prom")

	err := Root().Execute(context.Background(), []string{
		"population", "create", "--config", configPath, "--metrics-file", metricsPath,
		"--role", "gecko_t_linux_talos", "linux",
	})
	if err != nil {
		t.Fatalf("population create: %v", err)
	}
	content, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("reading metrics file: %v", err)
	}
	want := `fleetroll_rollout_mutations_total{action="population.create"} 1`
	if !strings.Contains(string(content), want) {
		t.Errorf("metrics file lacks %q:\n%s", want, content)
	}
}

func TestClearHaltWithoutHaltIsPrecondition(t *testing.T) {
	configPath, _ := writeConfig(t)
	err := Root().Execute(context.Background(), []string{
		"maintenance", "clear-halt", "--config", configPath, "--reason", "repaired", "rollout:missing",
	})
	if got := process.ExitCode(err); got != 2 {
		t.Errorf("exit code = %d (%v), want 2", got, err)
	}
}

func TestPreconditionExitCode(t *testing.T) {
	configPath, _ := writeConfig(t)
	err := Root().Execute(context.Background(), []string{"population", "create", "--config", configPath, "linux"})
	if got := process.ExitCode(err); got != 2 {
		t.Errorf("exit code for missing role = %d (%v), want 2", got, err)
	}
	err = Root().Execute(context.Background(), []string{"drift", "--config", configPath, "--type", "bogus"})
	if got := process.ExitCode(err); got != 2 {
		t.Errorf("exit code for bad drift type = %d (%v), want 2", got, err)
	}
}

func TestDetailsSortedByKey(t *testing.T) {
	got := details(map[string]string{"observed": "b", "expected": "a"})
	if got != "expected=a observed=b" {
		t.Errorf("details = %q", got)
	}
}
