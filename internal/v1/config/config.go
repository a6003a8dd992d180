package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roomloop/roomloop/internal/v1/types"
)

// NodeSpec describes one cluster member parsed from CLUSTER_NODES.
type NodeSpec struct {
	ID         types.NodeID
	Host       string
	ClientPort int
	RPCPort    int
}

// ClientAddr returns the host:port clients connect to.
func (n NodeSpec) ClientAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.ClientPort)
}

// RPCAddr returns the host:port peers address RPCs to.
func (n NodeSpec) RPCAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.RPCPort)
}

// Config holds validated environment configuration for one node.
type Config struct {
	// Required variables
	NodeID types.NodeID
	Nodes  []NodeSpec

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Tracing (optional; disabled when empty)
	OTELCollectorAddr string

	// Tunables, only read from env in tests and unusual deployments
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	RPCTimeout         time.Duration
	MaxFrameBytes      int
}

// Self returns the NodeSpec for this node. Valid after ValidateEnv.
func (c *Config) Self() NodeSpec {
	for _, n := range c.Nodes {
		if n.ID == c.NodeID {
			return n
		}
	}
	// ValidateEnv guarantees membership
	panic("config: NodeID not in Nodes")
}

// Peers returns every cluster member except this node.
func (c *Config) Peers() []NodeSpec {
	peers := make([]NodeSpec, 0, len(c.Nodes)-1)
	for _, n := range c.Nodes {
		if n.ID != c.NodeID {
			peers = append(peers, n)
		}
	}
	return peers
}

// PeerIDs returns the ids of every cluster member except this node.
func (c *Config) PeerIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(c.Nodes)-1)
	for _, n := range c.Peers() {
		ids = append(ids, n.ID)
	}
	return ids
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error listing every problem if any required variable is missing
// or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: CLUSTER_NODES (comma separated id:host:clientPort:rpcPort)
	rawNodes := os.Getenv("CLUSTER_NODES")
	if rawNodes == "" {
		errs = append(errs, "CLUSTER_NODES is required (format: id:host:clientPort:rpcPort,...)")
	} else {
		nodes, err := ParseClusterNodes(rawNodes)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			cfg.Nodes = nodes
		}
	}

	// Required: NODE_ID, must name a CLUSTER_NODES entry
	cfg.NodeID = types.NodeID(os.Getenv("NODE_ID"))
	if cfg.NodeID == "" {
		errs = append(errs, "NODE_ID is required")
	} else if len(cfg.Nodes) > 0 {
		found := false
		for _, n := range cfg.Nodes {
			if n.ID == cfg.NodeID {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("NODE_ID '%s' does not appear in CLUSTER_NODES", cfg.NodeID))
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.ElectionTimeoutMin = getEnvDuration("ELECTION_TIMEOUT_MIN", 300*time.Millisecond, &errs)
	cfg.ElectionTimeoutMax = getEnvDuration("ELECTION_TIMEOUT_MAX", 500*time.Millisecond, &errs)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 100*time.Millisecond, &errs)
	cfg.RPCTimeout = getEnvDuration("RPC_TIMEOUT", 2*time.Second, &errs)
	cfg.MaxFrameBytes = getEnvInt("MAX_FRAME_BYTES", 64*1024, &errs)

	if cfg.ElectionTimeoutMin >= cfg.ElectionTimeoutMax {
		errs = append(errs, fmt.Sprintf("ELECTION_TIMEOUT_MIN (%s) must be below ELECTION_TIMEOUT_MAX (%s)",
			cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// ParseClusterNodes parses the CLUSTER_NODES value. Each entry has the form
// id:host:clientPort:rpcPort. Ids must be unique and ports valid.
func ParseClusterNodes(raw string) ([]NodeSpec, error) {
	entries := strings.Split(raw, ",")
	nodes := make([]NodeSpec, 0, len(entries))
	seen := make(map[types.NodeID]bool)

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("CLUSTER_NODES entry '%s' must be id:host:clientPort:rpcPort", entry)
		}
		id := types.NodeID(parts[0])
		if id == "" || parts[1] == "" {
			return nil, fmt.Errorf("CLUSTER_NODES entry '%s' has an empty id or host", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("CLUSTER_NODES contains duplicate node id '%s'", id)
		}
		seen[id] = true

		clientPort, err := parsePort(parts[2])
		if err != nil {
			return nil, fmt.Errorf("CLUSTER_NODES entry '%s': client port: %w", entry, err)
		}
		rpcPort, err := parsePort(parts[3])
		if err != nil {
			return nil, fmt.Errorf("CLUSTER_NODES entry '%s': rpc port: %w", entry, err)
		}

		nodes = append(nodes, NodeSpec{ID: id, Host: parts[1], ClientPort: clientPort, RPCPort: rpcPort})
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("CLUSTER_NODES contains no entries")
	}
	return nodes, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("must be a valid port number between 1 and 65535 (got '%s')", s)
	}
	return port, nil
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return n
}
