// Package config holds process configuration. Values start from
// DefaultConfig, are overlaid by an optional YAML file and then by
// PARKLINE_* environment variables (a .env file is loaded first when
// present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	pstrings "parkline/pkg/platform/strings"
)

// Broker selects the message broker and the candidate nodes.
type Broker struct {
	// Kind is "memory" or "kafka".
	Kind         string        `yaml:"kind"`
	Nodes        []string      `yaml:"nodes"`
	MaxCycles    int           `yaml:"max_cycles"`
	CycleBackoff time.Duration `yaml:"cycle_backoff"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ClientID     string        `yaml:"client_id"`
}

// RPC configures the calling side.
type RPC struct {
	RequestDestination string        `yaml:"request_destination"`
	ReplyPrefix        string        `yaml:"reply_prefix"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
}

// Dispatcher configures the serving side.
type Dispatcher struct {
	Group          string        `yaml:"group"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// Recommend configures the consensus coordinator.
type Recommend struct {
	// Replicas are replica ids; each is served on ReplicaPrefix+id.
	Replicas          []string      `yaml:"replicas"`
	ReplicaPrefix     string        `yaml:"replica_prefix"`
	PerReplicaTimeout time.Duration `yaml:"per_replica_timeout"`
	Deadline          time.Duration `yaml:"deadline"`
	// Quorum is "majority" or "at-least:N".
	Quorum   string `yaml:"quorum"`
	MinVotes int    `yaml:"min_votes"`
}

// Store selects the records backend.
type Store struct {
	// Driver is "memory", "redis" or "postgres".
	Driver          string        `yaml:"driver"`
	Seed            bool          `yaml:"seed"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Postgres configures the Postgres pool.
type Postgres struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// Ops configures the operations HTTP server.
type Ops struct {
	Addr string `yaml:"addr"`
}

// Log configures the process logger.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Config is the full process configuration.
type Config struct {
	Broker     Broker      `yaml:"broker"`
	RPC        RPC         `yaml:"rpc"`
	Dispatcher Dispatcher  `yaml:"dispatcher"`
	Recommend  Recommend   `yaml:"recommend"`
	Store      Store       `yaml:"store"`
	Redis      RedisConfig `yaml:"redis"`
	Postgres   Postgres    `yaml:"postgres"`
	Ops        Ops         `yaml:"ops"`
	Log        Log         `yaml:"log"`
}

// DefaultConfig is a single-process setup on the in-memory broker and store.
func DefaultConfig() Config {
	return Config{
		Broker: Broker{
			Kind:         "memory",
			Nodes:        []string{"node-a", "node-b"},
			MaxCycles:    3,
			CycleBackoff: 500 * time.Millisecond,
			DialTimeout:  5 * time.Second,
			ClientID:     "parkline",
		},
		RPC: RPC{
			RequestDestination: "parkline.requests",
			ReplyPrefix:        "parkline.reply.",
			CallTimeout:        5 * time.Second,
		},
		Dispatcher: Dispatcher{
			Group:          "parkline-dispatchers",
			IdempotencyTTL: 10 * time.Minute,
			HandlerTimeout: 30 * time.Second,
		},
		Recommend: Recommend{
			Replicas:          []string{"replica-1", "replica-2", "replica-3"},
			ReplicaPrefix:     "parkline.replica.",
			PerReplicaTimeout: 2 * time.Second,
			Deadline:          3 * time.Second,
			Quorum:            "majority",
			MinVotes:          1,
		},
		Store: Store{
			Driver:          "memory",
			Seed:            true,
			BreakerFailures: 5,
			BreakerCooldown: time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			Prefix:       "parkline:",
		},
		Postgres: Postgres{MaxConns: 10},
		Ops:      Ops{Addr: ":9090"},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// FromEnv builds a Config from DefaultConfig and the environment.
func FromEnv() (Config, error) {
	return Load("")
}

// Load reads the YAML file at path (skipped when empty) over DefaultConfig,
// then applies environment overrides. A .env file in the working directory
// is loaded into the environment first if it exists.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Broker.Nodes = pstrings.DedupeAndTrim(c.Broker.Nodes)
	c.Recommend.Replicas = pstrings.DedupeAndTrim(c.Recommend.Replicas)
	c.Broker.Kind = strings.ToLower(strings.TrimSpace(c.Broker.Kind))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

// Validate rejects configurations no component could start with.
func (c Config) Validate() error {
	switch c.Broker.Kind {
	case "memory", "kafka":
	default:
		return fmt.Errorf("broker kind %q is not supported", c.Broker.Kind)
	}
	if len(c.Broker.Nodes) == 0 {
		return fmt.Errorf("at least one broker node is required")
	}
	if c.RPC.RequestDestination == "" {
		return fmt.Errorf("request destination is required")
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("store driver redis needs a redis url")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("store driver postgres needs a postgres dsn")
		}
	default:
		return fmt.Errorf("store driver %q is not supported", c.Store.Driver)
	}
	return nil
}

// ReplicaDestination is where replica id is served.
func (c Config) ReplicaDestination(id string) string {
	return c.Recommend.ReplicaPrefix + id
}

// -----------------------------------------------------------------------------
// Environment overrides
// -----------------------------------------------------------------------------

type envError struct {
	key string
	err error
}

func (e envError) Error() string {
	return fmt.Sprintf("env %s: %v", e.key, e.err)
}

type overlay struct {
	err error
}

func (o *overlay) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (o *overlay) csv(key string, dst *[]string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = pstrings.SplitList(v)
	}
}

func (o *overlay) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || o.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		o.err = envError{key, err}
		return
	}
	*dst = n
}

func (o *overlay) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || o.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		o.err = envError{key, err}
		return
	}
	*dst = b
}

func (o *overlay) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" || o.err != nil {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = envError{key, err}
		return
	}
	*dst = d
}

func (c *Config) applyEnv() error {
	o := &overlay{}

	o.str("PARKLINE_BROKER_KIND", &c.Broker.Kind)
	o.csv("PARKLINE_BROKER_NODES", &c.Broker.Nodes)
	o.integer("PARKLINE_BROKER_MAX_CYCLES", &c.Broker.MaxCycles)
	o.duration("PARKLINE_BROKER_CYCLE_BACKOFF", &c.Broker.CycleBackoff)
	o.duration("PARKLINE_BROKER_DIAL_TIMEOUT", &c.Broker.DialTimeout)
	o.str("PARKLINE_BROKER_CLIENT_ID", &c.Broker.ClientID)

	o.str("PARKLINE_REQUEST_DESTINATION", &c.RPC.RequestDestination)
	o.str("PARKLINE_REPLY_PREFIX", &c.RPC.ReplyPrefix)
	o.duration("PARKLINE_CALL_TIMEOUT", &c.RPC.CallTimeout)

	o.str("PARKLINE_DISPATCHER_GROUP", &c.Dispatcher.Group)
	o.duration("PARKLINE_IDEMPOTENCY_TTL", &c.Dispatcher.IdempotencyTTL)
	o.duration("PARKLINE_HANDLER_TIMEOUT", &c.Dispatcher.HandlerTimeout)

	o.csv("PARKLINE_REPLICAS", &c.Recommend.Replicas)
	o.str("PARKLINE_REPLICA_PREFIX", &c.Recommend.ReplicaPrefix)
	o.duration("PARKLINE_PER_REPLICA_TIMEOUT", &c.Recommend.PerReplicaTimeout)
	o.duration("PARKLINE_CONSENSUS_DEADLINE", &c.Recommend.Deadline)
	o.str("PARKLINE_QUORUM", &c.Recommend.Quorum)
	o.integer("PARKLINE_MIN_VOTES", &c.Recommend.MinVotes)

	o.str("PARKLINE_STORE_DRIVER", &c.Store.Driver)
	o.boolean("PARKLINE_STORE_SEED", &c.Store.Seed)
	o.integer("PARKLINE_STORE_BREAKER_FAILURES", &c.Store.BreakerFailures)
	o.duration("PARKLINE_STORE_BREAKER_COOLDOWN", &c.Store.BreakerCooldown)

	o.str("PARKLINE_REDIS_URL", &c.Redis.URL)
	o.str("PARKLINE_REDIS_PREFIX", &c.Redis.Prefix)
	o.integer("PARKLINE_REDIS_POOL_SIZE", &c.Redis.PoolSize)

	o.str("PARKLINE_POSTGRES_DSN", &c.Postgres.DSN)

	o.str("PARKLINE_OPS_ADDR", &c.Ops.Addr)
	o.str("PARKLINE_LOG_LEVEL", &c.Log.Level)
	o.str("PARKLINE_LOG_FORMAT", &c.Log.Format)

	return o.err
}
