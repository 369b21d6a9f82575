// Package config loads server and client settings from defaults, an
// optional config file, PARLEY_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/parley/internal/transport"
)

// EnvPrefix prefixes environment overrides, e.g. PARLEY_CLIENT_NAME.
const EnvPrefix = "PARLEY"

// Role represents the user's chosen role (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Database DatabaseConfig `mapstructure:"database"`
	Debug    bool           `mapstructure:"debug"`
}

// ServerConfig holds router settings.
type ServerConfig struct {
	Listen        string        `mapstructure:"listen"` // TCP sessions; empty disables
	HTTP          string        `mapstructure:"http"`   // ws and rtc endpoints; empty disables
	ICEServers    []string      `mapstructure:"ice_servers"`
	QueueSize     int           `mapstructure:"queue_size"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// ClientConfig holds chat client settings.
type ClientConfig struct {
	Name       string   `mapstructure:"name"`
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Transport  string   `mapstructure:"transport"`
	History    int      `mapstructure:"history"` // messages replayed on start
	ICEServers []string `mapstructure:"ice_servers"`
}

// DatabaseConfig holds sqlite settings. An empty path keeps everything in
// memory.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Binder registers extra sources, typically cobra flags, on top of the
// file and environment.
type Binder func(v *viper.Viper) error

// Load reads configuration from path, or from parley.{toml,yaml,json} in
// the working directory or ~/.config/parley when path is empty.
func Load(path string, bind Binder) (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("server.listen", ":1666")
	v.SetDefault("server.http", ":1667")
	v.SetDefault("server.ice_servers", []string{})
	v.SetDefault("server.queue_size", 256)
	v.SetDefault("server.stats_interval", 10*time.Second)
	v.SetDefault("client.name", "")
	v.SetDefault("client.host", "localhost")
	v.SetDefault("client.port", 1666)
	v.SetDefault("client.transport", string(transport.KindTCP))
	v.SetDefault("client.history", 20)
	v.SetDefault("client.ice_servers", []string{})
	v.SetDefault("database.path", "")
	v.SetDefault("debug", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("parley")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "parley"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if bind != nil {
		if err := bind(v); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Validate checks the settings the given role needs.
func (c Config) Validate(role Role) error {
	switch role {
	case RoleServer:
		return c.Server.validate()
	case RoleClient:
		return c.Client.validate()
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

func (s ServerConfig) validate() error {
	var errs []error
	if s.Listen == "" && s.HTTP == "" {
		errs = append(errs, errors.New("server: listen and http are both empty"))
	}
	for key, addr := range map[string]string{"listen": s.Listen, "http": s.HTTP} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("server.%s: %w", key, err))
		}
	}
	if s.Listen != "" && s.Listen == s.HTTP {
		errs = append(errs, errors.New("server: listen and http must differ"))
	}
	if s.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("server.queue_size: %d is not positive", s.QueueSize))
	}
	return errors.Join(errs...)
}

func (c ClientConfig) validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("client.name is required"))
	}
	if c.Host == "" {
		errs = append(errs, errors.New("client.host is required"))
	}
	if err := ValidatePort(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("client.port: %w", err))
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		errs = append(errs, fmt.Errorf("client.transport: %w", err))
	}
	return errors.Join(errs...)
}

// ValidatePort checks that p is a usable TCP port.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%d is out of range (1-65535)", p)
	}
	return nil
}

// TransportOptions returns the dialer options for the given ICE servers.
func TransportOptions(iceServers []string) transport.Options {
	opts := transport.DefaultOptions()
	opts.ICEServers = iceServers
	return opts
}
