package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

type Config struct {
	Server   ServerConfig      `mapstructure:"server"`
	Database DatabaseConfig    `mapstructure:"database"`
	Serial   SerialConfig      `mapstructure:"serial"`
	Modem    ModemConfig       `mapstructure:"modem"`
	Dialects []dialect.Dialect `mapstructure:"dialects"`
	Webhook  WebhookConfig     `mapstructure:"webhook"`
	Users    UsersConfig       `mapstructure:"users"`
	Auth     AuthConfig        `mapstructure:"auth"`
	Log      LogConfig         `mapstructure:"log"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SerialConfig struct {
	// Ports, when set, replaces port discovery.
	Ports        []string      `mapstructure:"ports"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	ExcludePorts []string      `mapstructure:"exclude_ports"`
	// Remote lists host:port addresses of serial-over-TCP bridges.
	Remote         []string      `mapstructure:"remote"`
	BaudRate       int           `mapstructure:"baud_rate"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	InitATCommands []string      `mapstructure:"init_at_commands"`
}

type ModemConfig struct {
	Dialect string `mapstructure:"dialect"`
	PIN     string `mapstructure:"pin"`

	// Bearer is brought up after init when APN is set.
	APN      string `mapstructure:"apn"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	RxBufferSize   int           `mapstructure:"rx_buffer"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`

	// SMS enables inbox polling.
	SMS bool `mapstructure:"sms"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type UsersConfig struct {
	DefaultAdminPassword string `mapstructure:"default_admin_password"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

var AppConfig Config

// Load reads the yaml file at path (or config.yaml in the working directory
// when path is empty), overlays environment variables and registers any
// dialects declared under "dialects".
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Printf("Warning: Config file not found, using defaults. Error: %v", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	var errs error
	for _, d := range cfg.Dialects {
		errs = multierr.Append(errs, dialect.Register(d))
	}
	if _, err := dialect.Lookup(cfg.Modem.Dialect); err != nil {
		errs = multierr.Append(errs, err)
	}
	return cfg, errs
}

func LoadConfig() {
	cfg, err := Load("")
	if err != nil {
		log.Fatalf("Unable to load config, %v", err)
	}
	AppConfig = cfg
	log.Println("Configuration loaded successfully")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Serial.ScanInterval <= 0 {
		c.Serial.ScanInterval = 5 * time.Second
	}
	if c.Serial.BaudRate <= 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.ReadTimeout <= 0 {
		c.Serial.ReadTimeout = 100 * time.Millisecond
	}
	if c.Modem.Dialect == "" {
		c.Modem.Dialect = dialect.Generic.Name
	}
	if c.Modem.PollInterval <= 0 {
		c.Modem.PollInterval = 30 * time.Second
	}
	if c.Modem.ProbeTimeout <= 0 {
		c.Modem.ProbeTimeout = 2 * time.Second
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
}
