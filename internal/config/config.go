package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	configData Config
	v          *viper.Viper
)

// Config holds all configuration settings.
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int
	}
	// TLS configuration
	TLS struct {
		CertFile string
		KeyFile  string
	}
	// Renegotiation configuration
	Renegotiation struct {
		Allowed             bool
		Limit               int
		RequireCloseMessage bool
	}
	// Pool configuration
	Pool struct {
		HeapCapBytes         int64
		DeviceMappedCapBytes int64
		PrimaryMax           int
		BucketFactor         int
	}
	// Logging configuration
	Log struct {
		Level  string
		Format string
	}
}

// Initialize sets up the configuration system.
func Initialize() error {
	v = viper.New()

	// Set config name and paths
	v.SetConfigName("config")           // name of config file (without extension)
	v.SetConfigType("yaml")             // config file type
	v.AddConfigPath(".")                // optionally look for config in working directory
	v.AddConfigPath("$HOME/.duplextls") // look for config in .duplextls directory in home
	v.AddConfigPath("/etc/duplextls/")  // path to look for the config file in

	// Set default values
	setDefaults()

	// Environment variables
	v.SetEnvPrefix("DUPLEXTLS") // prefix for env vars
	v.AutomaticEnv()            // read in environment variables that match
	v.SetEnvKeyReplacer(        // replace dots with underscores in env vars
		strings.NewReplacer(".", "_"),
	)

	// Create config file if it doesn't exist
	if err := ensureConfig(); err != nil {
		return fmt.Errorf("error creating config file: %w", err)
	}

	// Read in config file
	if err := v.ReadInConfig(); err != nil {
		// It's okay if we can't find a config file, we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal config into struct
	if err := v.Unmarshal(&configData); err != nil {
		return fmt.Errorf("unable to decode into config struct: %w", err)
	}

	return nil
}

// setDefaults sets default values for all configuration options.
func setDefaults() {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)

	// TLS defaults: empty means the server generates an in-memory
	// self-signed certificate via tlsengine.GenerateSelfSignedCertificate.
	v.SetDefault("tls.certfile", "")
	v.SetDefault("tls.keyfile", "")

	// Renegotiation defaults: off until an operator opts in.
	v.SetDefault("renegotiation.allowed", false)
	v.SetDefault("renegotiation.limit", 0)
	v.SetDefault("renegotiation.requireclosemessage", true)

	// Pool defaults.
	v.SetDefault("pool.heapcapbytes", int64(64*1024*1024))
	v.SetDefault("pool.devicemappedcapbytes", int64(0))
	v.SetDefault("pool.primarymax", 64)
	v.SetDefault("pool.bucketfactor", 1024)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "human")
}

// ensureConfig creates a default config file if none exists.
func ensureConfig() error {
	// Check if config file exists
	if _, err := os.Stat(filepath.Join(os.Getenv("HOME"), ".duplextls")); os.IsNotExist(err) {
		// Create directory
		if err := os.MkdirAll(filepath.Join(os.Getenv("HOME"), ".duplextls"), 0o755); err != nil {
			return err
		}
	}

	configFile := filepath.Join(os.Getenv("HOME"), ".duplextls", "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		// Create default config file
		defaultConfig := `# duplextls configuration file
server:
  host: 0.0.0.0
  port: 8443

tls:
  certfile: ""
  keyfile: ""

renegotiation:
  allowed: false
  limit: 0
  requireclosemessage: true

pool:
  heapcapbytes: 67108864
  devicemappedcapbytes: 0
  primarymax: 64
  bucketfactor: 1024

log:
  level: info
  format: human
`
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}
