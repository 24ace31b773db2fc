// Package config defines and loads the coordinator's process-wide
// configuration, following convention of a single flags
// struct parsed with jessevdk/go-flags (see Load) and
// passed by explicit reference to every component rather than consumed
// via package-level globals.
package config

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// Config holds every tunable the coordinator exposes, plus the ambient
// daemon options (data directory, log file, network listeners) a real
// deployment needs.
type Config struct {
	DataDir string `long:"datadir" description:"directory to store channel state" default:"./data"`
	LogDir  string `long:"logdir" description:"directory to store log files" default:"./logs"`
	DebugLevel string `long:"debuglevel" description:"logging level" default:"info"`

	// Domain separator fields.
	ChainID            uint64 `long:"chainid" description:"chain id bound into the domain separator" required:"true"`
	VerifyingContract  string `long:"verifyingcontract" description:"0x-prefixed address of the verifying contract" required:"true"`

	// Store backend selection.
	StoreBackend string `long:"storebackend" description:"bolt, postgres, or sqlite" default:"bolt" choice:"bolt" choice:"postgres" choice:"sqlite"`
	PostgresDSN  string `long:"postgresdsn" description:"postgres connection string, used when storebackend=postgres"`
	SQLitePath   string `long:"sqlitepath" description:"sqlite file path, used when storebackend=sqlite"`

	// Distributed lock selection.
	EtcdEndpoints []string `long:"etcdendpoint" description:"etcd endpoint for the distributed lock; omit for an in-memory lock"`

	// Timing options, expressed in the config struct as
	// durations, with defaults written as Go duration strings.
	QuoteExpiry          time.Duration `long:"quoteexpiry" description:"default quote lifetime" default:"30s"`
	HeartbeatInterval    time.Duration `long:"heartbeatinterval" description:"expected heartbeat cadence" default:"10s"`
	ChannelTimeoutFloor  time.Duration `long:"channeltimeoutfloor" description:"minimum allowed channel timeout" default:"1h"`
	DisputeWindow        time.Duration `long:"disputewindow" description:"grace period between timed_out and expired" default:"24h"`
	LockTTL              time.Duration `long:"lockttl" description:"distributed lock TTL" default:"30s"`
	MessageSkewWindow    time.Duration `long:"messageskewwindow" description:"allowed clock skew for message timestamps" default:"30s"`
	CacheIdleEviction    time.Duration `long:"cacheidleeviction" description:"idle period after which a cached channel is evicted" default:"1h"`

	// Risk/limit parameters.
	MaxSlippageBps uint32 `long:"maxslippagebps" description:"maximum allowed slippage in basis points" default:"1000"`
	MaxFeeBps      uint32 `long:"maxfeebps" description:"maximum allowed LP fee in basis points" default:"500"`

	// PricePrecision is the fixed-point scale used for price*quantity
	// arithmetic.
	PricePrecision uint64 `long:"priceprecision" description:"fixed point scale for price arithmetic" default:"1000000000000000000"`

	// Pipeline / back-pressure.
	InboundQueueDepth int `long:"inboundqueuedepth" description:"per-channel bounded inbound queue depth" default:"64"`
	WorkerPoolSize    int `long:"workerpoolsize" description:"bounded worker pool size for cross-channel dispatch" default:"32"`

	// Settlement / batching.
	CheckpointBatchCount int           `long:"checkpointbatchcount" description:"flush a checkpoint batch once this many are queued" default:"16"`
	CheckpointBatchAge   time.Duration `long:"checkpointbatchage" description:"flush a checkpoint batch once the oldest entry is this old" default:"5s"`
	SubmitterAddr        string        `long:"submitteraddr" description:"gRPC address of the external settlement submitter"`
	SubmissionRetryCap   int           `long:"submissionretrycap" description:"max settlement submission retries before escalating to disputed" default:"5"`

	// Metrics.
	MetricsAddr string `long:"metricsaddr" description:"address to serve Prometheus metrics on" default:":9090"`

	// Operator admin API (dispute resolution, channel inspection).
	AdminAddr string `long:"adminaddr" description:"address to serve the operator admin API on" default:"localhost:9091"`

	// Background sweeps and health checks.
	TimeoutSweepInterval  time.Duration `long:"timeoutsweepinterval" description:"interval between timeout/dispute-window sweeps" default:"10s"`
	HealthCheckInterval   time.Duration `long:"healthcheckinterval" description:"interval between store health checks" default:"30s"`
	HealthCheckAttempts   int           `long:"healthcheckattempts" description:"consecutive failures before a health check alerts" default:"3"`
	HealthCheckBackoff    time.Duration `long:"healthcheckbackoff" description:"backoff between health check retry attempts" default:"5s"`
	HealthCheckTimeout    time.Duration `long:"healthchecktimeout" description:"per-attempt health check timeout" default:"5s"`
}

// Load parses command-line arguments (and, transitively, any
// jessevdk/go-flags ini-file directive) into a Config, applying defaults
// for every field not explicitly set.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants the flag tags alone can't
// express; Load runs it after parsing.
func (c *Config) Validate() error {
	if c.ChannelTimeoutFloor < time.Hour {
		return fmt.Errorf("channeltimeoutfloor must be at least 1h")
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgresdsn is required when storebackend=postgres")
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("sqlitepath is required when storebackend=sqlite")
	}
	if len(c.VerifyingContract) != 42 {
		return fmt.Errorf("verifyingcontract must be a 0x-prefixed 20-byte address")
	}
	return nil
}
