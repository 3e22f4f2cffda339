// Package config assembles node configuration from environment variables,
// following the same "env var with fallback constant" idiom the teacher
// uses in cmd/cluster-node/main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"clustermesh/internal/meshnode"
)

const (
	defaultClientPort       = 7000
	defaultDataDir          = "./data"
	defaultNodeTimeout      = 15 * time.Second
	defaultTickInterval     = 100 * time.Millisecond
	defaultMigrationBarrier = 1
)

// Config holds everything a meshd process needs to start one node.
type Config struct {
	NodeID  meshnode.ID
	Address string
	Port    int // client port; bus port is Port+10000

	DataDir       string
	ClusterSecret string // HMAC key for admin API request signing and the cluster-bus greeting; empty disables both

	// SnapshotPassphrase, when non-empty, encrypts the node-view file at
	// rest (spec §9.1). Empty disables encryption.
	SnapshotPassphrase string

	NodeTimeout         time.Duration
	TickInterval        time.Duration
	RequireFullCoverage bool
	MigrationBarrier    int
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset. It returns an error rather than calling os.Exit
// itself, leaving the fatal-on-bad-config decision to the caller (spec §7's
// "process aborts on unrecoverable configuration error").
func FromEnv() (*Config, error) {
	c := &Config{
		Address:             envOr("CLUSTERMESH_ADDRESS", "localhost"),
		DataDir:             envOr("CLUSTERMESH_DATA_DIR", defaultDataDir),
		ClusterSecret:       os.Getenv("CLUSTERMESH_CLUSTER_SECRET"),
		SnapshotPassphrase:  os.Getenv("CLUSTERMESH_SNAPSHOT_PASSPHRASE"),
		Port:                defaultClientPort,
		NodeTimeout:         defaultNodeTimeout,
		TickInterval:        defaultTickInterval,
		RequireFullCoverage: os.Getenv("CLUSTERMESH_REQUIRE_FULL_COVERAGE") == "true",
		MigrationBarrier:    defaultMigrationBarrier,
	}

	nodeID := os.Getenv("CLUSTERMESH_NODE_ID")
	if nodeID == "" {
		nodeID = string(meshnode.NewID())
	}
	c.NodeID = meshnode.ID(nodeID)

	if v := os.Getenv("CLUSTERMESH_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CLUSTERMESH_PORT: %w", err)
		}
		c.Port = p
	}

	if v := os.Getenv("CLUSTERMESH_NODE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CLUSTERMESH_NODE_TIMEOUT_MS: %w", err)
		}
		c.NodeTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("CLUSTERMESH_TICK_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CLUSTERMESH_TICK_INTERVAL_MS: %w", err)
		}
		c.TickInterval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("CLUSTERMESH_MIGRATION_BARRIER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: CLUSTERMESH_MIGRATION_BARRIER: %w", err)
		}
		c.MigrationBarrier = n
	}

	return c, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
