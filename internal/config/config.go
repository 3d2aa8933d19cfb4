// Package config holds the single configuration record every component
// reads from, with defaults matching every default named in the grid
// design (§4 and §6 of the originating specification).
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config is the recognized option set. Field names match the record in
// §6 of the design ("the core accepts a configuration record with the
// recognized options...").
type Config struct {
	ListenPort    uint16
	TensorPort    uint16
	StatusPort    uint16
	MaxCPUPercent uint8
	MaxRAMMB      uint64

	Skills        []string
	EnableCompute bool
	EnableRelay   bool
	PreTrusted    []string

	AnnounceIntervalSecs         uint32
	TaskTimeoutSecs              uint32
	TensorTimeoutSecs            uint32
	MaxRetries                   uint32
	RotatingIdentityIntervalSecs uint32
	BeaconTTL                    uint8

	PeerTTLSecs       uint32
	QueueCapacity     int
	EventBusBufferCap int

	IdentityKeyPath  string
	RatingLogPath    string
	Development      bool
	EnableWANDiscovery bool

	DefaultSkillID       string
	SkillWasmPath        string // optional; empty runs the built-in passthrough skill
	ParamDensityPerLayer float64

	// SubmitPayloadPath, if set, makes this node originate one task against
	// SubmitSkillID at startup (via core.Core.SubmitTask) instead of only
	// ever reacting to tasks routed to it by other peers.
	SubmitPayloadPath string
	SubmitSkillID      string
}

// Default returns a Config populated with every default named in the
// design: listen 7654, tensor 9000, UI 3000, announce 30s, task timeout
// 60s, tensor timeout 120s, max retries 3, identity rotation 900s,
// beacon TTL 15, peer TTL 300s, queue capacity 256/class, event bus
// subscriber buffer 256.
func Default() *Config {
	return &Config{
		ListenPort:                   7654,
		TensorPort:                   9000,
		StatusPort:                   3000,
		MaxCPUPercent:                80,
		MaxRAMMB:                     0,
		EnableCompute:                true,
		EnableRelay:                  true,
		AnnounceIntervalSecs:         30,
		TaskTimeoutSecs:              60,
		TensorTimeoutSecs:            120,
		MaxRetries:                   3,
		RotatingIdentityIntervalSecs: 900,
		BeaconTTL:                    15,
		PeerTTLSecs:                  300,
		QueueCapacity:                256,
		EventBusBufferCap:            256,
		IdentityKeyPath:              "cortex_identity.key",
		RatingLogPath:                "cortex_ratings.log",
		Development:                  false,
		EnableWANDiscovery:           false,
		DefaultSkillID:               "local.echo",
		ParamDensityPerLayer:         50_000_000,
	}
}

// TaskTimeout and friends convert the recorded second-granularity fields
// into time.Duration for callers, rather than making every component
// repeat the multiplication.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

func (c *Config) TensorTimeout() time.Duration {
	return time.Duration(c.TensorTimeoutSecs) * time.Second
}

func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.AnnounceIntervalSecs) * time.Second
}

func (c *Config) PeerTTL() time.Duration {
	return time.Duration(c.PeerTTLSecs) * time.Second
}

func (c *Config) RotatingIdentityInterval() time.Duration {
	return time.Duration(c.RotatingIdentityIntervalSecs) * time.Second
}

// Load builds a Config from defaults, then flag overrides, then
// CORTEX_*-prefixed environment variable overrides (env wins, so a
// supervisor can override flags baked into a unit file).
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("cortex-node", flag.ContinueOnError)
	fs.Func("listen-port", "control-plane listen port", uint16Flag(&cfg.ListenPort))
	fs.Func("tensor-port", "tensor transport listen port", uint16Flag(&cfg.TensorPort))
	fs.Func("status-port", "status/introspection websocket port", uint16Flag(&cfg.StatusPort))
	fs.BoolVar(&cfg.EnableCompute, "enable-compute", cfg.EnableCompute, "advertise compute capability")
	fs.BoolVar(&cfg.EnableRelay, "enable-relay", cfg.EnableRelay, "advertise relay capability")
	fs.BoolVar(&cfg.EnableWANDiscovery, "enable-wan-discovery", cfg.EnableWANDiscovery, "enable libp2p mDNS/WAN discovery backend")
	fs.BoolVar(&cfg.Development, "development", cfg.Development, "use human-readable development logging")
	fs.StringVar(&cfg.IdentityKeyPath, "identity-key", cfg.IdentityKeyPath, "path to the persisted Ed25519 signing key")
	fs.StringVar(&cfg.RatingLogPath, "rating-log", cfg.RatingLogPath, "path to the append-only rating history log")
	fs.StringVar(&cfg.SkillWasmPath, "skill-wasm", cfg.SkillWasmPath, "path to a wasm module exporting the default skill's main function")
	fs.StringVar(&cfg.SubmitPayloadPath, "submit-payload", cfg.SubmitPayloadPath, "path to a file whose contents this node submits as one task at startup")
	fs.StringVar(&cfg.SubmitSkillID, "submit-skill", cfg.DefaultSkillID, "skill id to submit -submit-payload against")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func uint16Flag(dst *uint16) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return err
		}
		*dst = uint16(v)
		return nil
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CORTEX_LISTEN_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.ListenPort = uint16(n)
		}
	}
	if v := os.Getenv("CORTEX_TENSOR_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.TensorPort = uint16(n)
		}
	}
	if v := os.Getenv("CORTEX_IDENTITY_KEY"); v != "" {
		cfg.IdentityKeyPath = v
	}
	if v := os.Getenv("CORTEX_RATING_LOG"); v != "" {
		cfg.RatingLogPath = v
	}
}
