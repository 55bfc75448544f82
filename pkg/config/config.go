// Package config loads a metadata node's static configuration: shard
// assignment, replication factor, journal retention, lease duration, the
// per-tenant QoS table, and the site list used for cross-site
// replication. A plain struct with a loader applying defaults for zero
// fields, loadable from a YAML file on disk via gopkg.in/yaml.v3, since a
// metadata node's topology is operator-supplied rather than assembled
// purely from CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/journal"
	"github.com/dirkpetersen/claudefs/pkg/lease"
	"github.com/dirkpetersen/claudefs/pkg/qos"
	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"gopkg.in/yaml.v3"
)

// SiteConfig names one geographic replication site this node ships its
// journal to (or tails from).
type SiteConfig struct {
	SiteID  types.SiteId `yaml:"site_id"`
	Name    string       `yaml:"name"`
	Address string       `yaml:"address"`
}

// TenantLimits mirrors qos.TenantLimits in YAML-friendly form; Class is
// spelled out as a string in the config file and resolved to qos.Class on
// load.
type TenantLimits struct {
	Class                string  `yaml:"class"`
	MaxIOPS              float64 `yaml:"max_iops"`
	MaxMetadataOpsSec    float64 `yaml:"max_metadata_ops_sec"`
	MaxBandwidthBytesSec float64 `yaml:"max_bandwidth_bytes_sec"`
}

// NodeConfig is one metadata node's full static configuration.
type NodeConfig struct {
	NodeID types.NodeId `yaml:"node_id"`
	// SiteID identifies this node's geographic site for cross-site
	// replication purposes; it is this node's own identity as a ship
	// source/destination, distinct from the remote Sites list below.
	SiteID types.SiteId `yaml:"site_id"`

	DataDir     string `yaml:"data_dir"`
	RaftAddr    string `yaml:"raft_addr"`
	APIAddr     string `yaml:"api_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Peers is the full ordered node list the shard router lays
	// placement groups out across; NodeID must appear in it.
	Peers []types.NodeId `yaml:"peers"`

	// PeerAddrs maps every peer other than NodeID to the gRPC address
	// its raft.GRPCTransport / replication.GRPCSiteTransport listens on.
	PeerAddrs map[types.NodeId]string `yaml:"peer_addrs"`

	NumShards         uint32 `yaml:"num_shards"`
	ReplicationFactor int    `yaml:"replication_factor"`

	JournalMaxEntries     int           `yaml:"journal_max_entries"`
	JournalRetentionFloor int           `yaml:"journal_retention_floor"`
	LeaseDuration         time.Duration `yaml:"lease_duration"`
	LeaseGrace            time.Duration `yaml:"lease_grace"`

	QoSTenants map[string]TenantLimits `yaml:"qos_tenants"`
	Sites      []SiteConfig            `yaml:"sites"`
}

// Default returns a single-node configuration suitable for local
// development: one node owning all shardrouter.DefaultNumShards shards
// with replication factor 1, no QoS limits, no replication sites.
func Default() *NodeConfig {
	return &NodeConfig{
		NodeID:                "node-1",
		DataDir:               "./claudefs-data",
		RaftAddr:              "127.0.0.1:7950",
		APIAddr:               "127.0.0.1:8090",
		MetricsAddr:           "127.0.0.1:9091",
		Peers:                 []types.NodeId{"node-1"},
		NumShards:             shardrouter.DefaultNumShards,
		ReplicationFactor:     1,
		JournalMaxEntries:     1_000_000,
		JournalRetentionFloor: 1024,
		LeaseDuration:         lease.DefaultDuration,
		LeaseGrace:            lease.DefaultGrace,
	}
}

// Load reads and validates a NodeConfig from a YAML file at path, filling
// any zero-valued field from Default().
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *NodeConfig) {
	d := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.RaftAddr == "" {
		cfg.RaftAddr = d.RaftAddr
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = d.APIAddr
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = d.MetricsAddr
	}
	if cfg.NumShards == 0 {
		cfg.NumShards = d.NumShards
	}
	if cfg.ReplicationFactor == 0 {
		cfg.ReplicationFactor = d.ReplicationFactor
	}
	if cfg.JournalMaxEntries == 0 {
		cfg.JournalMaxEntries = d.JournalMaxEntries
	}
	if cfg.JournalRetentionFloor == 0 {
		cfg.JournalRetentionFloor = d.JournalRetentionFloor
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = d.LeaseDuration
	}
	if cfg.LeaseGrace == 0 {
		cfg.LeaseGrace = d.LeaseGrace
	}
}

// Validate reports a descriptive error for a config that can't build a
// working shard router or node identity.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if len(c.Peers) < c.ReplicationFactor {
		return fmt.Errorf("config: %d peers is fewer than replication_factor %d", len(c.Peers), c.ReplicationFactor)
	}
	found := false
	for _, p := range c.Peers {
		if p == c.NodeID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: node_id %q must appear in peers", c.NodeID)
	}
	return nil
}

// RouterConfig converts to a shardrouter.Config.
func (c *NodeConfig) RouterConfig() shardrouter.Config {
	return shardrouter.Config{
		NumShards:         c.NumShards,
		ReplicationFactor: c.ReplicationFactor,
		Nodes:             c.Peers,
	}
}

// JournalConfig builds a journal.Config for one shard, applying this
// node's retention and capacity settings.
func (c *NodeConfig) JournalConfig(shard types.ShardId) journal.Config {
	return journal.Config{
		Shard:          shard,
		MaxEntries:     c.JournalMaxEntries,
		RetentionFloor: c.JournalRetentionFloor,
	}
}

// LeaseConfig builds a lease.Config applying this node's duration/grace
// settings.
func (c *NodeConfig) LeaseConfig() lease.Config {
	return lease.Config{
		Duration: c.LeaseDuration,
		Grace:    c.LeaseGrace,
	}
}

// QoSLimits resolves the configured tenant table into qos.TenantLimits,
// ready for qos.New.
func (c *NodeConfig) QoSLimits() map[string]qos.TenantLimits {
	out := make(map[string]qos.TenantLimits, len(c.QoSTenants))
	for tenant, t := range c.QoSTenants {
		out[tenant] = qos.TenantLimits{
			Class:                classFromString(t.Class),
			MaxIOPS:              t.MaxIOPS,
			MaxMetadataOpsSec:    t.MaxMetadataOpsSec,
			MaxBandwidthBytesSec: t.MaxBandwidthBytesSec,
		}
	}
	return out
}

func classFromString(s string) qos.Class {
	switch s {
	case "interactive":
		return qos.ClassInteractive
	case "batch":
		return qos.ClassBatch
	case "background":
		return qos.ClassBackground
	case "system":
		return qos.ClassSystem
	default:
		return qos.ClassInteractive
	}
}
