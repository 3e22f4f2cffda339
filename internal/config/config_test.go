package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.Address != "localhost" {
		t.Errorf("Address = %q, want localhost", c.Address)
	}
	if c.Port != defaultClientPort {
		t.Errorf("Port = %d, want %d", c.Port, defaultClientPort)
	}
	if c.NodeTimeout != defaultNodeTimeout {
		t.Errorf("NodeTimeout = %v, want %v", c.NodeTimeout, defaultNodeTimeout)
	}
	if c.MigrationBarrier != defaultMigrationBarrier {
		t.Errorf("MigrationBarrier = %d, want %d", c.MigrationBarrier, defaultMigrationBarrier)
	}
	if c.NodeID == "" {
		t.Error("NodeID should be auto-generated when unset")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CLUSTERMESH_NODE_ID", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	t.Setenv("CLUSTERMESH_ADDRESS", "10.0.0.5")
	t.Setenv("CLUSTERMESH_PORT", "7001")
	t.Setenv("CLUSTERMESH_NODE_TIMEOUT_MS", "5000")
	t.Setenv("CLUSTERMESH_TICK_INTERVAL_MS", "50")
	t.Setenv("CLUSTERMESH_MIGRATION_BARRIER", "2")
	t.Setenv("CLUSTERMESH_REQUIRE_FULL_COVERAGE", "true")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if string(c.NodeID) != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("NodeID = %q", c.NodeID)
	}
	if c.Address != "10.0.0.5" {
		t.Errorf("Address = %q", c.Address)
	}
	if c.Port != 7001 {
		t.Errorf("Port = %d", c.Port)
	}
	if c.NodeTimeout != 5*time.Second {
		t.Errorf("NodeTimeout = %v", c.NodeTimeout)
	}
	if c.TickInterval != 50*time.Millisecond {
		t.Errorf("TickInterval = %v", c.TickInterval)
	}
	if c.MigrationBarrier != 2 {
		t.Errorf("MigrationBarrier = %d", c.MigrationBarrier)
	}
	if !c.RequireFullCoverage {
		t.Error("RequireFullCoverage should be true")
	}
}

func TestFromEnvRejectsMalformedPort(t *testing.T) {
	t.Setenv("CLUSTERMESH_PORT", "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
}
