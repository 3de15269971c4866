package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mataphp/jargon/internal/errors"
)

// ChecksumPolicy selects the digest used to verify parallel transfers.
type ChecksumPolicy string

const (
	ChecksumNone   ChecksumPolicy = "none"
	ChecksumMD5    ChecksumPolicy = "md5"
	ChecksumSHA256 ChecksumPolicy = "sha256"
	ChecksumXXH64  ChecksumPolicy = "xxh64"
)

// Data transports for parallel transfer streams.
const (
	DataTransportTCP  = "tcp"
	DataTransportQUIC = "quic"
)

const (
	DefaultParallelTransferThreshold = 32 * 1024 * 1024
	DefaultMaxParallelThreads        = 4
	DefaultSocketBufferSize          = 512 * 1024
	DefaultChunkSize                 = 4 * 1024 * 1024
	DefaultMaxRetries                = 2
	DefaultQueryPageSize             = 1000
	DefaultRequestTimeout            = 2 * time.Minute

	maxParallelThreads = 16
	minChunkSize       = 4 * 1024
	maxChunkSize       = 8 * 1024 * 1024
)

// Pipeline holds the client-side transfer and query tuning.
type Pipeline struct {
	ParallelTransferThreshold int64          `yaml:"parallel_transfer_threshold"`
	MaxParallelThreads        int            `yaml:"max_parallel_threads"`
	SocketBufferSize          int            `yaml:"socket_buffer_size"`
	ChunkSize                 int            `yaml:"chunk_size"`
	ChecksumPolicy            ChecksumPolicy `yaml:"checksum_policy"`
	MaxRetries                int            `yaml:"max_retries"`
	QueryPageSize             int            `yaml:"query_page_size"`
	DataTransport             string         `yaml:"data_transport"`
	RequestTimeout            time.Duration  `yaml:"request_timeout"`
}

// DefaultPipeline returns the pipeline used when nothing is configured.
func DefaultPipeline() Pipeline {
	return Pipeline{
		ParallelTransferThreshold: DefaultParallelTransferThreshold,
		MaxParallelThreads:        DefaultMaxParallelThreads,
		SocketBufferSize:          DefaultSocketBufferSize,
		ChunkSize:                 DefaultChunkSize,
		ChecksumPolicy:            ChecksumSHA256,
		MaxRetries:                DefaultMaxRetries,
		QueryPageSize:             DefaultQueryPageSize,
		DataTransport:             DataTransportTCP,
		RequestTimeout:            DefaultRequestTimeout,
	}
}

// Normalize fills unset values with defaults and clamps the rest.
func (p Pipeline) Normalize() Pipeline {
	out := p
	if out.ParallelTransferThreshold <= 0 {
		out.ParallelTransferThreshold = DefaultParallelTransferThreshold
	}
	if out.MaxParallelThreads < 1 {
		out.MaxParallelThreads = 1
	}
	if out.MaxParallelThreads > maxParallelThreads {
		out.MaxParallelThreads = maxParallelThreads
	}
	if out.SocketBufferSize <= 0 {
		out.SocketBufferSize = DefaultSocketBufferSize
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize < minChunkSize {
		out.ChunkSize = minChunkSize
	}
	if out.ChunkSize > maxChunkSize {
		out.ChunkSize = maxChunkSize
	}
	if out.ChecksumPolicy == "" {
		out.ChecksumPolicy = ChecksumSHA256
	}
	out.ChecksumPolicy = ChecksumPolicy(strings.ToLower(string(out.ChecksumPolicy)))
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.QueryPageSize <= 0 {
		out.QueryPageSize = DefaultQueryPageSize
	}
	if out.DataTransport == "" {
		out.DataTransport = DataTransportTCP
	}
	out.DataTransport = strings.ToLower(out.DataTransport)
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	return out
}

// Validate reports values that Normalize cannot repair.
func (p Pipeline) Validate() error {
	const op = "config.Pipeline.Validate"
	switch p.ChecksumPolicy {
	case ChecksumNone, ChecksumMD5, ChecksumSHA256, ChecksumXXH64:
	default:
		return errors.E(op, errors.Invalid, errors.Errorf("unknown checksum policy %q", p.ChecksumPolicy))
	}
	switch p.DataTransport {
	case DataTransportTCP, DataTransportQUIC:
	default:
		return errors.E(op, errors.Invalid, errors.Errorf("unknown data transport %q", p.DataTransport))
	}
	return nil
}

// Negotiation holds the client's encryption policy.
type Negotiation struct {
	// Policy is one of require, dont_care, refuse (or the CS_NEG_* wire names).
	Policy string `yaml:"policy"`
	// Algorithms are the candidate encryption algorithms, empty for all supported.
	Algorithms []string `yaml:"algorithms"`
}

// Notify configures the optional transfer completion publisher.
type Notify struct {
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

// ServerConfig holds configuration for the reference grid server binary.
type ServerConfig struct {
	Addr      string
	WSAddr    string
	DataHost  string
	Zone      string
	LogLevel  string
	DataDir   string
	VaultDir  string
	Policy    string
	Users     []string // user:password pairs
	CookieTTL time.Duration

	ConnectsPerMin int
	ConnectsBurst  int
	MaxConnections int
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: addr=":1247", zone="tempZone", policy="dont_care", logLevel="info"
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:      ":1247",
		DataHost:  "127.0.0.1",
		Zone:      "tempZone",
		LogLevel:  "info",
		Policy:    "dont_care",
		CookieTTL: 5 * time.Minute,

		ConnectsPerMin: 120,
		ConnectsBurst:  20,
		MaxConnections: 1000,
	}

	// Read from environment first
	if v := os.Getenv("JARGON_SERVER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("JARGON_SERVER_WS_ADDR"); v != "" {
		cfg.WSAddr = v
	}
	if v := os.Getenv("JARGON_SERVER_DATA_HOST"); v != "" {
		cfg.DataHost = v
	}
	if v := os.Getenv("JARGON_SERVER_ZONE"); v != "" {
		cfg.Zone = v
	}
	if v := os.Getenv("JARGON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JARGON_SERVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("JARGON_SERVER_VAULT_DIR"); v != "" {
		cfg.VaultDir = v
	}
	if v := os.Getenv("JARGON_SERVER_POLICY"); v != "" {
		cfg.Policy = v
	}
	if v := os.Getenv("JARGON_SERVER_USERS"); v != "" {
		cfg.Users = strings.Split(v, ",")
	}
	if v := os.Getenv("JARGON_SERVER_COOKIE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CookieTTL = d
		}
	}
	if v := os.Getenv("JARGON_SERVER_CONNECTS_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectsPerMin = n
		}
	}
	if v := os.Getenv("JARGON_SERVER_CONNECTS_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConnectsBurst = n
		}
	}
	if v := os.Getenv("JARGON_SERVER_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}

	// Flags override environment
	users := make([]string, 0)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "control channel listen address")
	fs.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "websocket gateway listen address (empty disables)")
	fs.StringVar(&cfg.DataHost, "data-host", cfg.DataHost, "host advertised for parallel transfer ports")
	fs.StringVar(&cfg.Zone, "zone", cfg.Zone, "zone name")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "catalog directory (empty keeps the catalog in memory)")
	fs.StringVar(&cfg.VaultDir, "vault-dir", cfg.VaultDir, "data object storage directory (empty uses a temp dir)")
	fs.StringVar(&cfg.Policy, "policy", cfg.Policy, "encryption policy (require, dont_care, refuse)")
	fs.DurationVar(&cfg.CookieTTL, "cookie-ttl", cfg.CookieTTL, "lifetime of unused parallel transfer cookies")
	fs.IntVar(&cfg.ConnectsPerMin, "connects-per-min", cfg.ConnectsPerMin, "max control connections per minute per IP (0 disables)")
	fs.IntVar(&cfg.ConnectsBurst, "connects-burst", cfg.ConnectsBurst, "burst control connections per IP")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "max concurrent control connections (0 disables)")
	fs.Var((*stringSlice)(&users), "user", "user:password account (repeatable)")
	fs.Parse(args)

	if len(users) > 0 {
		cfg.Users = users
	}
	if len(cfg.Users) == 0 {
		cfg.Users = []string{"rods:rods"}
	}
	return cfg
}

// ClientConfig holds configuration for the jargon client.
type ClientConfig struct {
	Endpoint    string      `yaml:"endpoint"`
	User        string      `yaml:"user"`
	Zone        string      `yaml:"zone"`
	Password    string      `yaml:"password"`
	LogLevel    string      `yaml:"log_level"`
	Negotiation Negotiation `yaml:"negotiation"`
	Pipeline    Pipeline    `yaml:"pipeline"`
	Notify      Notify      `yaml:"notify"`
}

// DefaultClientConfig returns a client configuration pointing at a local grid.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Endpoint: "tcp://localhost:1247",
		Zone:     "tempZone",
		LogLevel: "info",
		Negotiation: Negotiation{
			Policy: "dont_care",
		},
		Pipeline: DefaultPipeline(),
		Notify: Notify{
			Channel: "jargon.transfers",
		},
	}
}

// LoadClientConfig builds the client configuration from defaults, the optional
// YAML file at path, and JARGON_* environment variables, in that order.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyClientEnv(&cfg)
	cfg.Pipeline = cfg.Pipeline.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyClientEnv(cfg *ClientConfig) {
	if v := os.Getenv("JARGON_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("JARGON_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("JARGON_ZONE"); v != "" {
		cfg.Zone = v
	}
	if v := os.Getenv("JARGON_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("JARGON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JARGON_NEGOTIATION_POLICY"); v != "" {
		cfg.Negotiation.Policy = v
	}
	if v := os.Getenv("JARGON_CHECKSUM_POLICY"); v != "" {
		cfg.Pipeline.ChecksumPolicy = ChecksumPolicy(v)
	}
	if v := os.Getenv("JARGON_DATA_TRANSPORT"); v != "" {
		cfg.Pipeline.DataTransport = v
	}
	if v := os.Getenv("JARGON_MAX_PARALLEL_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxParallelThreads = n
		}
	}
	if v := os.Getenv("JARGON_REDIS_URL"); v != "" {
		cfg.Notify.RedisURL = v
	}
}

// Validate checks the client configuration for unusable values.
func (c ClientConfig) Validate() error {
	const op = "config.ClientConfig.Validate"
	if c.Endpoint == "" {
		return errors.E(op, errors.Invalid, errors.Str("endpoint is required"))
	}
	if !strings.HasPrefix(c.Endpoint, "tcp://") && !strings.HasPrefix(c.Endpoint, "ws://") && !strings.HasPrefix(c.Endpoint, "wss://") {
		return errors.E(op, errors.Invalid, fmt.Errorf("endpoint %q: scheme must be tcp, ws or wss", c.Endpoint))
	}
	return c.Pipeline.Validate()
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
