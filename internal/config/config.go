package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type RouteConfig struct {
	FQDN   string `mapstructure:"fqdn"`
	Type   string `mapstructure:"type"`
	Target string `mapstructure:"target"`
}

type Config struct {
	TCP struct {
		Port             int           `mapstructure:"port"`
		LogRequests      bool          `mapstructure:"log_requests"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		DialTimeout      time.Duration `mapstructure:"dial_timeout"`
		MaxPreludeBytes  int           `mapstructure:"max_prelude_bytes"`
	} `mapstructure:"tcp"`
	API struct {
		Port        int  `mapstructure:"port"`
		LogRequests bool `mapstructure:"log_requests"`
	} `mapstructure:"api"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	DefaultTarget string        `mapstructure:"default_target"`
	Routes        []RouteConfig `mapstructure:"routes"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("tcp.port", 443)
	v.SetDefault("tcp.log_requests", false)
	v.SetDefault("tcp.handshake_timeout", 10*time.Second)
	v.SetDefault("tcp.dial_timeout", 5*time.Second)
	// A ClientHello fits in a 2^14 byte record plus its header; allow a few
	// fragmented records on top.
	v.SetDefault("tcp.max_prelude_bytes", 64*1024)
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.log_requests", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.channel", "sniporter_routes")
	v.SetDefault("default_target", "")

	v.SetEnvPrefix("sniporter")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads config.yaml from the working directory or ./config,
// falling back to defaults when no file exists.
func LoadConfig() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return unmarshal(v)
}

// LoadConfigFile reads the configuration from an explicit path.
func LoadConfigFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
