// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rollout

import (
	"context"
	"reflect"
	"testing"

	"github.com/bureau-foundation/fleetroll/lib/blobstore"
	"github.com/bureau-foundation/fleetroll/lib/fleet"
	"github.com/bureau-foundation/fleetroll/lib/testutil"
)

func TestCreatePopulationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		request CreatePopulationRequest
	}{
		{"missing name", CreatePopulationRequest{ExpectedRole: testRole}},
		{"missing role", CreatePopulationRequest{Name: "p1"}},
		{"bad query", CreatePopulationRequest{Name: "p1", ExpectedRole: testRole, TargetQuery: "bogus=1"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.engine.CreatePopulation(ctx, test.request)
			requireKind(t, err, fleet.KindPrecondition)
		})
	}
	if records := f.records(""); len(records) != 0 {
		t.Errorf("rejected creates appended %d records", len(records))
	}

	if _, err := f.engine.CreatePopulation(ctx, CreatePopulationRequest{Name: "p1", ExpectedRole: testRole}); err != nil {
		t.Fatalf("CreatePopulation: %v", err)
	}
	_, err := f.engine.CreatePopulation(ctx, CreatePopulationRequest{Name: "p1", ExpectedRole: testRole})
	if err == nil {
		t.Fatal("duplicate population accepted")
	}
}

func TestAssignHostsSetsExpectedRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.CreatePopulation(ctx, CreatePopulationRequest{Name: "p1", ExpectedRole: testRole}); err != nil {
		t.Fatalf("CreatePopulation: %v", err)
	}

	assigned, err := f.engine.AssignHosts(ctx, AssignRequest{
		Population: "p1",
		Hosts:      []string{"Host10.Example.COM", "host2.example.com", "host2.example.com"},
	})
	if err != nil {
		t.Fatalf("AssignHosts: %v", err)
	}
	var names []string
	for _, host := range assigned {
		names = append(names, host.Hostname)
		if host.ExpectedRole != testRole || host.PopulationID != "p1" {
			t.Errorf("%s: population=%q role=%q", host.Hostname, host.PopulationID, host.ExpectedRole)
		}
	}
	if want := []string{"host2.example.com", "host10.example.com"}; !reflect.DeepEqual(names, want) {
		t.Errorf("assigned %v, want %v", names, want)
	}
	records := f.records(fleet.ActionHostAssign)
	if len(records) != 1 || records[0].Parameters["expected_role"] != testRole {
		t.Errorf("assign records = %+v", records)
	}

	_, err = f.engine.AssignHosts(ctx, AssignRequest{Population: "missing", Hosts: []string{"host3"}})
	if !fleet.IsNotFound(err) {
		t.Errorf("assign to unknown population: %v, want not found", err)
	}
}

func TestStagedHostsCannotLeavePopulation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.population("p1", testutil.Hosts("host", "", 3))
	rollout := f.createRollout(CreateRolloutRequest{Population: "p1"})
	if _, err := f.engine.Start(ctx, StartRequest{RolloutID: rollout.ID}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := f.engine.UnassignHosts(ctx, UnassignRequest{Hosts: []string{"host2"}})
	requireKind(t, err, fleet.KindPrecondition)

	if _, err := f.engine.CreatePopulation(ctx, CreatePopulationRequest{Name: "p2", ExpectedRole: testRole}); err != nil {
		t.Fatalf("CreatePopulation: %v", err)
	}
	_, err = f.engine.AssignHosts(ctx, AssignRequest{Population: "p2", Hosts: []string{"host1"}})
	requireKind(t, err, fleet.KindPrecondition)

	if _, err := f.engine.Rollback(ctx, RollbackRequest{RolloutID: rollout.ID}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	unassigned, err := f.engine.UnassignHosts(ctx, UnassignRequest{Hosts: []string{"host2"}})
	if err != nil {
		t.Fatalf("UnassignHosts after rollback: %v", err)
	}
	if len(unassigned) != 1 || unassigned[0].PopulationID != "" || unassigned[0].ExpectedRole != "" {
		t.Errorf("unassigned = %+v", unassigned)
	}
}

func TestDisableRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe("host1", true, "")

	_, err := f.engine.DisableHost(ctx, DisableRequest{Host: "host1", Reason: "  "})
	requireKind(t, err, fleet.KindPrecondition)

	host, err := f.engine.DisableHost(ctx, DisableRequest{Host: "host1", Reason: "bad disk"})
	if err != nil {
		t.Fatalf("DisableHost: %v", err)
	}
	if !host.Disabled || host.DisabledReason != "bad disk" || host.DisabledBy != "operator" {
		t.Errorf("disabled host = %+v", host)
	}
	_, err = f.engine.DisableHost(ctx, DisableRequest{Host: "host1", Reason: "again"})
	requireKind(t, err, fleet.KindPrecondition)

	host, err = f.engine.EnableHost(ctx, "host1", Operator{})
	if err != nil {
		t.Fatalf("EnableHost: %v", err)
	}
	if host.Disabled || host.DisabledReason != "" {
		t.Errorf("enabled host = %+v", host)
	}
	records := f.records(fleet.ActionHostEnable)
	if len(records) != 1 || records[0].Parameters["previous_reason"] != "bad disk" {
		t.Errorf("enable records = %+v", records)
	}
	_, err = f.engine.EnableHost(ctx, "host1", Operator{})
	requireKind(t, err, fleet.KindPrecondition)
}

func TestHostOverrideSetAndUnset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe("host1", true, "")

	_, err := f.engine.SetHostOverride(ctx, ArtifactRequest{Host: "host1", Content: []byte("PUPPET_REPO='not-a-url'\n")})
	requireKind(t, err, fleet.KindPrecondition)
	if calls := f.runner.Calls(); len(calls) != 0 {
		t.Fatalf("invalid override ran %d remote commands", len(calls))
	}

	record, err := f.engine.SetHostOverride(ctx, ArtifactRequest{Host: "host1", Content: []byte(testOverride)})
	if err != nil {
		t.Fatalf("SetHostOverride: %v", err)
	}
	if record.Action != fleet.ActionHostSetOverride || len(record.Artifacts) != 1 || !record.HostResults[0].Changed {
		t.Errorf("set record = %+v", record)
	}
	if content, ok := f.files.overrideOn("host1"); !ok || content != testOverride {
		t.Errorf("host1 override = %q, %v", content, ok)
	}
	host, _ := f.store.Host(ctx, "host1")
	if !host.OverridePresent || host.OverrideSHA256 != record.Artifacts[0].SHA256 {
		t.Errorf("host record after set = %+v", host)
	}

	record, err = f.engine.UnsetHostOverride(ctx, "host1", false, Operator{})
	if err != nil {
		t.Fatalf("UnsetHostOverride: %v", err)
	}
	content, _, err := f.blobs.Get(blobstore.KindSnapshot, record.Artifacts[0].SHA256)
	if err != nil || string(content) != testOverride {
		t.Errorf("snapshot = %q, %v", content, err)
	}
	if _, ok := f.files.overrideOn("host1"); ok {
		t.Error("override still on host1")
	}

	_, err = f.engine.UnsetHostOverride(ctx, "host1", false, Operator{})
	requireKind(t, err, fleet.KindPrecondition)
}

func TestHostArtifactsRejectedOnActiveTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.population("p1", testutil.Hosts("host", "", 2))
	rollout := f.createRollout(CreateRolloutRequest{Population: "p1"})
	if _, err := f.engine.Start(ctx, StartRequest{RolloutID: rollout.ID}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// host2 is a target even though its stage has not been applied.
	_, err := f.engine.SetHostOverride(ctx, ArtifactRequest{Host: "host2", Content: []byte(testOverride)})
	requireKind(t, err, fleet.KindPrecondition)
	_, err = f.engine.UnsetHostOverride(ctx, "host1", false, Operator{})
	requireKind(t, err, fleet.KindPrecondition)
	if calls := f.runner.CallsTo("host2", "override.write"); len(calls) != 0 {
		t.Error("rejected set wrote to host2")
	}
}

func TestSetHostVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.observe("host1", true, "")

	_, err := f.engine.SetHostVault(ctx, ArtifactRequest{Host: "host1"})
	requireKind(t, err, fleet.KindPrecondition)

	record, err := f.engine.SetHostVault(ctx, ArtifactRequest{Host: "host1", Content: []byte("secret: value\n")})
	if err != nil {
		t.Fatalf("SetHostVault: %v", err)
	}
	content, _, err := f.blobs.Get(blobstore.KindVault, record.Artifacts[0].SHA256)
	if err != nil || string(content) != "secret: value\n" {
		t.Errorf("vault blob = %q, %v", content, err)
	}
	if calls := f.runner.CallsTo("host1", "vault.write"); len(calls) != 1 {
		t.Errorf("%d vault writes, want 1", len(calls))
	}

	_, err = f.engine.SetHostVault(ctx, ArtifactRequest{Host: "unknown", Content: []byte("x")})
	if !fleet.IsNotFound(err) {
		t.Errorf("vault on unknown host: %v, want not found", err)
	}
}
