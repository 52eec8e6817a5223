// Package config loads the fixture's YAML configuration, the same
// env-var-substituting, hot-reloadable technique the teacher used for
// its tenant pools, re-pointed at listener limits, server identity
// parameters, and the authentication method the reactor should offer.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for pgfixture.
type Config struct {
	Listen Listen            `yaml:"listen"`
	Limits Limits            `yaml:"limits"`
	Auth   Auth              `yaml:"auth"`
	Params map[string]string `yaml:"server_params"`
	LogLevel string          `yaml:"log_level"`
}

// Listen defines the ports and bind addresses pgfixture listens on.
type Listen struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIBind string `yaml:"api_bind"`
	APIPort int    `yaml:"api_port"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (l Listen) TLSEnabled() bool {
	return l.TLSCert != "" && l.TLSKey != ""
}

// Limits bounds a session's resource footprint, per the concurrency
// and resource model's per-session and per-server caps.
type Limits struct {
	MaxConnections     int           `yaml:"max_connections"`
	MaxFrameBytes      int           `yaml:"max_frame_bytes"`
	StartupTimeout     time.Duration `yaml:"startup_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	WriteHighWaterMark int           `yaml:"write_high_water_mark"`
	NumShards          int           `yaml:"num_shards"`
}

// AuthUser is one statically configured credential.
type AuthUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// Auth selects the authentication method the reactor's Startup/Password
// handlers offer, and the user list a CredentialStore is seeded from.
// Method is one of "trust", "cleartext", "md5", "scram-sha-256".
type Auth struct {
	Method string     `yaml:"method"`
	Users  []AuthUser `yaml:"users"`
}

// Redacted returns a copy of Auth with every password masked, for the
// admin API's /config endpoint.
func (a Auth) Redacted() Auth {
	out := Auth{Method: a.Method, Users: make([]AuthUser, len(a.Users))}
	for i, u := range a.Users {
		out.Users[i] = AuthUser{Name: u.Name, Password: "***REDACTED***"}
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 5432
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = 500
	}
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits.MaxFrameBytes = 1 << 20
	}
	if cfg.Limits.StartupTimeout == 0 {
		cfg.Limits.StartupTimeout = 10 * time.Second
	}
	if cfg.Limits.WriteHighWaterMark == 0 {
		cfg.Limits.WriteHighWaterMark = 16 << 20
	}
	if cfg.Limits.NumShards == 0 {
		cfg.Limits.NumShards = 4
	}
	if cfg.Auth.Method == "" {
		cfg.Auth.Method = "trust"
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	for k, v := range defaultServerParams {
		if _, ok := cfg.Params[k]; !ok {
			cfg.Params[k] = v
		}
	}
}

var defaultServerParams = map[string]string{
	"server_version":   "15.0 (pgfixture)",
	"client_encoding":  "UTF8",
	"server_encoding":  "UTF8",
	"DateStyle":        "ISO, MDY",
	"integer_datetimes": "on",
}

var validMethods = map[string]bool{
	"trust": true, "cleartext": true, "md5": true, "scram-sha-256": true,
}

func validate(cfg *Config) error {
	if cfg.Auth.Method != "" && !validMethods[cfg.Auth.Method] {
		return fmt.Errorf("auth: unsupported method %q", cfg.Auth.Method)
	}
	if cfg.Auth.Method != "trust" && cfg.Auth.Method != "" {
		for _, u := range cfg.Auth.Users {
			if u.Name == "" {
				return fmt.Errorf("auth: user entry missing name")
			}
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
