package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradegate server.
type Config struct {
	Server  Server  `yaml:"server"`
	Access  Access  `yaml:"access"`
	Session Session `yaml:"session"`
	Storage Storage `yaml:"storage"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	Logging Logging `yaml:"logging"`
	Limits  Limits  `yaml:"limits"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"` // 0 disables the gRPC health listener
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// GRPCAddr returns the gRPC listen address, or "" when gRPC is disabled.
func (s Server) GRPCAddr() string {
	if s.GRPCPort == 0 {
		return ""
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort))
}

// Access lists the origins allowed to reach the gateway. Entries are IP
// addresses or CIDR prefixes.
type Access struct {
	Allow []string `yaml:"allow"`
}

// Session controls what a prepare does while a session is already active:
// "exit", "reject" or "replace".
type Session struct {
	OnReplace string `yaml:"on_replace"`
}

// Storage holds paths for data persistence. An empty SQLitePath disables
// the dispatch journal.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds default credentials and the endpoint for the alpaca driver.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Limits bounds request throughput. Zero means unlimited.
type Limits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// DefaultPath is used when TRADEGATE_CONFIG is not set.
const DefaultPath = "config/tradegate.yaml"

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:  Server{Host: "0.0.0.0", Port: 1430},
		Access:  Access{Allow: []string{"127.0.0.1", "::1", "192.168.0.0/16"}},
		Session: Session{OnReplace: "exit"},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Path returns the configuration file path from TRADEGATE_CONFIG, or
// DefaultPath.
func Path() string {
	if v := os.Getenv("TRADEGATE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, then applies environment variable overrides. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TRADEGATE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TRADEGATE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRADEGATE_PORT: %w", err)
		}
		cfg.Server.Port = n
	}
	if v := os.Getenv("TRADEGATE_GRPC_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRADEGATE_GRPC_PORT: %w", err)
		}
		cfg.Server.GRPCPort = n
	}

	if v := os.Getenv("TRADEGATE_ALLOW"); v != "" {
		var allow []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				allow = append(allow, s)
			}
		}
		cfg.Access.Allow = allow
	}

	if v := os.Getenv("TRADEGATE_ON_REPLACE"); v != "" {
		cfg.Session.OnReplace = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	// Standard Alpaca env vars take precedence; the SDK reads the same names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		return fmt.Errorf("server.grpc_port must differ from server.port")
	}

	switch c.Session.OnReplace {
	case "", "exit", "reject", "replace":
	default:
		return fmt.Errorf("session.on_replace %q: want exit, reject or replace", c.Session.OnReplace)
	}

	if len(c.Access.Allow) == 0 {
		return errors.New("access.allow is empty; every request would be denied")
	}
	for _, entry := range c.Access.Allow {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("access.allow entry %q is neither an IP address nor a CIDR prefix", entry)
		}
	}

	if c.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.requests_per_minute %d is negative", c.Limits.RequestsPerMinute)
	}
	return nil
}
