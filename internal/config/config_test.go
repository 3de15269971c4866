package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mataphp/jargon/internal/errors"
)

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{})

	if cfg.Addr != ":1247" {
		t.Errorf("expected Addr to be :1247, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if cfg.Policy != "dont_care" {
		t.Errorf("expected Policy to be dont_care, got %s", cfg.Policy)
	}
	if len(cfg.Users) != 1 || cfg.Users[0] != "rods:rods" {
		t.Errorf("expected default rods account, got %v", cfg.Users)
	}
	if cfg.ConnectsPerMin != 120 || cfg.ConnectsBurst != 20 || cfg.MaxConnections != 1000 {
		t.Errorf("unexpected connection limits %d/%d/%d", cfg.ConnectsPerMin, cfg.ConnectsBurst, cfg.MaxConnections)
	}
}

func TestParseServerConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{
		"-addr", ":9090",
		"-log-level", "debug",
		"-policy", "require",
		"-user", "alice:secret",
		"-user", "bob:hunter2",
		"-cookie-ttl", "30s",
		"-max-connections", "0",
	})

	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel to be debug, got %s", cfg.LogLevel)
	}
	if cfg.Policy != "require" {
		t.Errorf("expected Policy to be require, got %s", cfg.Policy)
	}
	if len(cfg.Users) != 2 || cfg.Users[1] != "bob:hunter2" {
		t.Errorf("unexpected users %v", cfg.Users)
	}
	if cfg.CookieTTL != 30*time.Second {
		t.Errorf("expected CookieTTL 30s, got %v", cfg.CookieTTL)
	}
	if cfg.MaxConnections != 0 {
		t.Errorf("expected MaxConnections 0, got %d", cfg.MaxConnections)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	os.Setenv("JARGON_SERVER_ADDR", ":7070")
	os.Setenv("JARGON_LOG_LEVEL", "warn")
	defer os.Unsetenv("JARGON_SERVER_ADDR")
	defer os.Unsetenv("JARGON_LOG_LEVEL")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{"-addr", ":9090"})

	if cfg.Addr != ":9090" {
		t.Errorf("expected Addr to be :9090 (from flag), got %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel to be warn (from env), got %s", cfg.LogLevel)
	}
}

func TestPipelineNormalize(t *testing.T) {
	p := Pipeline{
		MaxParallelThreads: 64,
		ChunkSize:          100,
		ChecksumPolicy:     "SHA256",
		MaxRetries:         -3,
		DataTransport:      "QUIC",
	}.Normalize()

	if p.MaxParallelThreads != maxParallelThreads {
		t.Errorf("threads not clamped: %d", p.MaxParallelThreads)
	}
	if p.ChunkSize != minChunkSize {
		t.Errorf("chunk size not clamped: %d", p.ChunkSize)
	}
	if p.ChecksumPolicy != ChecksumSHA256 {
		t.Errorf("checksum policy not lowercased: %q", p.ChecksumPolicy)
	}
	if p.MaxRetries != 0 {
		t.Errorf("negative retries not clamped: %d", p.MaxRetries)
	}
	if p.DataTransport != DataTransportQUIC {
		t.Errorf("transport not lowercased: %q", p.DataTransport)
	}
	if p.ParallelTransferThreshold != DefaultParallelTransferThreshold {
		t.Errorf("threshold default missing: %d", p.ParallelTransferThreshold)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPipelineValidateRejectsUnknownPolicy(t *testing.T) {
	p := DefaultPipeline()
	p.ChecksumPolicy = "crc7"
	err := p.Validate()
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid error, got %v", err)
	}
}

func TestLoadClientConfig_FileAndEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRID_SECRET", "s3cr3t")
	os.Setenv("JARGON_ZONE", "otherZone")
	defer os.Unsetenv("GRID_SECRET")
	defer os.Unsetenv("JARGON_ZONE")

	dir := t.TempDir()
	path := filepath.Join(dir, "jargon.yaml")
	body := `endpoint: ws://grid.example:8443/control
user: alice
zone: tempZone
password: ${GRID_SECRET}
negotiation:
  policy: require
  algorithms: [AES-256-CBC]
pipeline:
  max_parallel_threads: 8
  checksum_policy: xxh64
  request_timeout: 45s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadClientConfig(path)
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Password != "s3cr3t" {
		t.Errorf("password not expanded: %q", cfg.Password)
	}
	if cfg.Zone != "otherZone" {
		t.Errorf("env should override file zone, got %q", cfg.Zone)
	}
	if cfg.Negotiation.Policy != "require" || len(cfg.Negotiation.Algorithms) != 1 {
		t.Errorf("negotiation not loaded: %+v", cfg.Negotiation)
	}
	if cfg.Pipeline.MaxParallelThreads != 8 || cfg.Pipeline.ChecksumPolicy != ChecksumXXH64 {
		t.Errorf("pipeline not loaded: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RequestTimeout != 45*time.Second {
		t.Errorf("request timeout = %v", cfg.Pipeline.RequestTimeout)
	}
	if cfg.Pipeline.ChunkSize != DefaultChunkSize {
		t.Errorf("unset chunk size should keep default, got %d", cfg.Pipeline.ChunkSize)
	}
}

func TestLoadClientConfig_MissingFile(t *testing.T) {
	os.Clearenv()
	if _, err := LoadClientConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadClientConfig_BadEndpoint(t *testing.T) {
	os.Clearenv()
	os.Setenv("JARGON_ENDPOINT", "http://grid")
	defer os.Unsetenv("JARGON_ENDPOINT")

	_, err := LoadClientConfig("")
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid error, got %v", err)
	}
}
