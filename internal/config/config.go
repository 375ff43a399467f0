package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Mesh holds the timing knobs of the connection-lifecycle coordinator.
type Mesh struct {
	StaggerDelay         time.Duration `mapstructure:"stagger_delay"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	ConfirmInterval      time.Duration `mapstructure:"confirm_interval"`
	PendingOfferTTL      time.Duration `mapstructure:"pending_offer_ttl"`
	GatherTimeout        time.Duration `mapstructure:"gather_timeout"`
	DisconnectRetryDelay time.Duration `mapstructure:"disconnect_retry_delay"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	MaxRetries           int           `mapstructure:"max_retries"`
}

type Config struct {
	Mode       string   `mapstructure:"mode"`
	ServerURL  string   `mapstructure:"server_url"`
	RoomAPIURL string   `mapstructure:"room_api_url"`
	Room       string   `mapstructure:"room"`
	Name       string   `mapstructure:"name"`
	AccessCode string   `mapstructure:"access_code"`
	HostCode   string   `mapstructure:"host_code"`
	ICEServers []string `mapstructure:"ice_servers"`
	DiagPort   int      `mapstructure:"diag_port"`
	SendBuffer int      `mapstructure:"send_buffer"`

	Mesh Mesh `mapstructure:"mesh"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("room_api_url", "http://localhost:8080")
	v.SetDefault("room", "main")
	v.SetDefault("name", "guest")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("diag_port", 9090)
	v.SetDefault("send_buffer", 32)

	v.SetDefault("mesh.stagger_delay", "150ms")
	v.SetDefault("mesh.reconcile_interval", "10s")
	v.SetDefault("mesh.confirm_interval", "30s")
	v.SetDefault("mesh.pending_offer_ttl", "10s")
	v.SetDefault("mesh.gather_timeout", "2s")
	v.SetDefault("mesh.disconnect_retry_delay", "2s")
	v.SetDefault("mesh.backoff_base", "1s")
	v.SetDefault("mesh.max_retries", 3)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
