package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string  `mapstructure:"mode"`
	Port       int     `mapstructure:"port"`
	StaticPath string  `mapstructure:"static_path"`
	Secret     string  `mapstructure:"secret"`
	LogLevel   string  `mapstructure:"log_level"`
	Backend    Backend `mapstructure:"backend"`
	Media      Media   `mapstructure:"media"`
	Chat       Chat    `mapstructure:"chat"`
	Send       Limit   `mapstructure:"send"`

	// ConnectTimeout bounds opening a session.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Backend is the REST service that issues provider tokens.
type Backend struct {
	BaseURL        string        `mapstructure:"base_url"`
	MediaTokenPath string        `mapstructure:"media_token_path"`
	ChatTokenPath  string        `mapstructure:"chat_token_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type Media struct {
	SignalURL  string        `mapstructure:"signal_url"`
	ICEServers []string      `mapstructure:"ice_servers"`
	Devices    string        `mapstructure:"devices"`
	Width      int           `mapstructure:"width"`
	Height     int           `mapstructure:"height"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type Chat struct {
	URL            string        `mapstructure:"url"`
	CreateGrace    time.Duration `mapstructure:"create_grace"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
}

// Limit allows Count events per client within any Interval.
type Limit struct {
	Count    int           `mapstructure:"count"`
	Interval time.Duration `mapstructure:"interval"`
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

	v.SetEnvPrefix("CONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Backend: %s\n", cfg.Mode, cfg.Port, cfg.Backend.BaseURL)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "consult-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("connect_timeout", "30s")

	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.media_token_path", "/api/video/token")
	v.SetDefault("backend.chat_token_path", "/api/chat/token")
	v.SetDefault("backend.timeout", "10s")

	v.SetDefault("media.signal_url", "ws://localhost:7880/rtc")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.devices", "synthetic")
	v.SetDefault("media.width", 640)
	v.SetDefault("media.height", 480)
	v.SetDefault("media.read_limit", 65536)
	v.SetDefault("media.ping_period", "54s")

	v.SetDefault("chat.url", "ws://localhost:7890/chat")
	v.SetDefault("chat.create_grace", "2s")
	v.SetDefault("chat.refresh_timeout", "10s")
	v.SetDefault("chat.request_timeout", "10s")
	v.SetDefault("chat.read_limit", 32768)
	v.SetDefault("chat.ping_period", "54s")

	v.SetDefault("send.count", 5)
	v.SetDefault("send.interval", "10s")
}
