package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr            string        `yaml:"addr"`
	InstanceID      string        `yaml:"instance_id"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

type MQ struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	UseTLS   bool   `yaml:"tls"`
	Exchange string `yaml:"exchange"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Registry struct {
	Backend           string        `yaml:"backend"` // memory | bolt | postgres | redis
	BoltPath          string        `yaml:"bolt_path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RegisterAttempts  int           `yaml:"register_attempts"`
	RegisterBackoff   time.Duration `yaml:"register_backoff"`
}

type Orders struct {
	Backend            string `yaml:"backend"` // memory | postgres
	EnforceTransitions bool   `yaml:"enforce_transitions"`
}

type Auth struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type Router struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type App struct {
	Server   Server   `yaml:"server"`
	Database DB       `yaml:"database"`
	Rabbit   MQ       `yaml:"rabbitmq"`
	Redis    Redis    `yaml:"redis"`
	Registry Registry `yaml:"registry"`
	Orders   Orders   `yaml:"orders"`
	Auth     Auth     `yaml:"auth"`
	Router   Router   `yaml:"router"`
	Log      Log      `yaml:"log"`
}

const envAuthSecret = "LIVE_KITCHEN_AUTH_SECRET"

// Default is the configuration used for keys absent from the file.
func Default() App {
	return App{
		Server: Server{
			Addr:            ":3000",
			MaxMessageBytes: 64 << 10,
			SendBuffer:      32,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DB{Port: 5432, SSLMode: "disable", MaxConns: 10},
		Rabbit:   MQ{Port: 5672, VHost: "/", Exchange: "live_kitchen.relay"},
		Redis:    Redis{Addr: "localhost:6379", Prefix: "live_kitchen"},
		Registry: Registry{
			Backend:           "memory",
			BoltPath:          "live-kitchen.db",
			HeartbeatInterval: 15 * time.Second,
			StaleAfter:        time.Minute,
			RegisterAttempts:  3,
			RegisterBackoff:   500 * time.Millisecond,
		},
		Orders: Orders{Backend: "memory", EnforceTransitions: true},
		Auth:   Auth{TokenTTL: 12 * time.Hour},
		Router: Router{CallTimeout: 5 * time.Second},
		Log:    Log{Level: "info", JSON: true},
	}
}

func Load(path string) (App, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (App, error) {
	a := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&a); err != nil && !errors.Is(err, io.EOF) {
		return App{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if v := os.Getenv(envAuthSecret); v != "" {
		a.Auth.Secret = v
	}
	if err := a.Validate(); err != nil {
		return App{}, err
	}
	return a, nil
}

func (a App) Validate() error {
	var errs []error
	switch a.Registry.Backend {
	case "memory":
	case "bolt":
		if a.Registry.BoltPath == "" {
			errs = append(errs, errors.New("registry.bolt_path is required for the bolt backend"))
		}
	case "postgres":
		errs = append(errs, a.Database.validate("registry"))
	case "redis":
		if a.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry.backend %q", a.Registry.Backend))
	}
	switch a.Orders.Backend {
	case "memory":
	case "postgres":
		errs = append(errs, a.Database.validate("orders"))
	default:
		errs = append(errs, fmt.Errorf("unknown orders.backend %q", a.Orders.Backend))
	}
	if a.Auth.Secret == "" {
		errs = append(errs, fmt.Errorf("auth.secret is required (or set %s)", envAuthSecret))
	}
	if a.Rabbit.Enabled && (a.Rabbit.Host == "" || a.Rabbit.User == "") {
		errs = append(errs, errors.New("rabbitmq.host and rabbitmq.user are required when the relay is enabled"))
	}
	if a.Router.CallTimeout <= 0 {
		errs = append(errs, errors.New("router.call_timeout must be positive"))
	}
	if a.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

func (d DB) validate(section string) error {
	if d.Host == "" || d.User == "" || d.Name == "" {
		return fmt.Errorf("database config incomplete for the %s postgres backend", section)
	}
	return nil
}

// Shared reports whether the registry backend can be read by other instances.
func (a App) Shared() bool {
	return a.Registry.Backend == "postgres" || a.Registry.Backend == "redis"
}

// SplitOrders reports a shared registry paired with a process-local order
// store. Status updates handled by another instance then find no order.
func (a App) SplitOrders() bool {
	return a.Shared() && a.Orders.Backend == "memory"
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
