// Package config loads the mediator's Config from an optional YAML file
// overlaid with environment variables, in the style of the teacher's
// resolveConfig. Most fields fall back to their environment variable only
// when still unset after the file is applied; the resolver cache TTL and
// size, the live-delivery backpressure bound, the allowed DID methods, the
// listen address and the inbound path take a set, non-zero environment
// variable over both the default and the file value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every option spec.md §6 recognizes.
type Config struct {
	// MediatorDID is the DID this mediator serves. Required.
	MediatorDID string `yaml:"mediator_did"`

	// ServiceEndpoint is the mediator's own public DIDComm endpoint URL,
	// embedded in every routing DID it mints for a new connection.
	ServiceEndpoint string `yaml:"service_endpoint"`

	// SupportedAlgs is loaded from YAML or MEDIATOR_SUPPORTED_ALGS but is
	// not passed to the envelope engine: unpack accepts every algorithm C3
	// implements whatever this list holds.
	SupportedAlgs []string `yaml:"supported_algs"`

	// MailboxSoftCap is the per-recipient item count above which the
	// oldest item is evicted on enqueue. Zero means unbounded.
	MailboxSoftCap int `yaml:"mailbox_soft_cap"`

	// MailboxHardByteCap is the per-recipient byte budget above which
	// the oldest items are evicted until back under budget.
	MailboxHardByteCap int `yaml:"mailbox_hard_byte_cap"`

	// ResolverCacheTTLSeconds and ResolverCacheSize size C1's bounded
	// positive-result cache.
	ResolverCacheTTLSeconds int `yaml:"resolver_cache_ttl_seconds"`
	ResolverCacheSize       int `yaml:"resolver_cache_size"`

	// LiveDeliveryBackpressureBound is the outstanding-message bound
	// before a live session is closed (spec §5).
	LiveDeliveryBackpressureBound int `yaml:"live_delivery_backpressure_bound"`

	// AllowedDIDMethods defaults to {key, peer, web}.
	AllowedDIDMethods []string `yaml:"allowed_did_methods"`

	// ListenAddr is the HTTP transport's bind address — ambient, not
	// named in spec.md §6, but every daemon needs one.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL selects the persistence backend: empty means the
	// in-memory store/secrets provider, set means Postgres (lib/pq DSN).
	DatabaseURL string `yaml:"database_url"`

	// InboundPath is the path the single synchronous DIDComm endpoint is
	// served on (spec §6 recommends "/").
	InboundPath string `yaml:"inbound_path"`
}

func defaults() Config {
	return Config{
		ResolverCacheTTLSeconds:       300,
		ResolverCacheSize:             4096,
		LiveDeliveryBackpressureBound: 16,
		AllowedDIDMethods:             []string{"key", "peer", "web"},
		ListenAddr:                    ":8080",
		InboundPath:                   "/",
	}
}

// Load builds a Config from defaults, an optional YAML file at yamlPath
// (skipped entirely if yamlPath is empty), and environment-variable
// fallbacks for whichever fields the file left unset.
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if cfg.MediatorDID == "" {
		return Config{}, fmt.Errorf("config: mediator_did is required (set in YAML or MEDIATOR_DID env)")
	}
	if cfg.ServiceEndpoint == "" {
		return Config{}, fmt.Errorf("config: service_endpoint is required (set in YAML or MEDIATOR_SERVICE_ENDPOINT env)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.MediatorDID == "" {
		cfg.MediatorDID = os.Getenv("MEDIATOR_DID")
	}
	if cfg.ServiceEndpoint == "" {
		cfg.ServiceEndpoint = os.Getenv("MEDIATOR_SERVICE_ENDPOINT")
	}
	if len(cfg.SupportedAlgs) == 0 {
		cfg.SupportedAlgs = splitEnvList("MEDIATOR_SUPPORTED_ALGS")
	}
	if cfg.MailboxSoftCap == 0 {
		cfg.MailboxSoftCap = envInt("MEDIATOR_MAILBOX_SOFT_CAP")
	}
	if cfg.MailboxHardByteCap == 0 {
		cfg.MailboxHardByteCap = envInt("MEDIATOR_MAILBOX_HARD_BYTE_CAP")
	}
	if v := envInt("MEDIATOR_RESOLVER_CACHE_TTL_SECONDS"); v != 0 {
		cfg.ResolverCacheTTLSeconds = v
	}
	if v := envInt("MEDIATOR_RESOLVER_CACHE_SIZE"); v != 0 {
		cfg.ResolverCacheSize = v
	}
	if v := envInt("MEDIATOR_LIVE_DELIVERY_BACKPRESSURE_BOUND"); v != 0 {
		cfg.LiveDeliveryBackpressureBound = v
	}
	if methods := splitEnvList("MEDIATOR_ALLOWED_DID_METHODS"); len(methods) > 0 {
		cfg.AllowedDIDMethods = methods
	}
	if addr := os.Getenv("MEDIATOR_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("MEDIATOR_DATABASE_URL")
	}
	if addr := os.Getenv("MEDIATOR_INBOUND_PATH"); addr != "" {
		cfg.InboundPath = addr
	}
}

func splitEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}
