package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.yaml"

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Config struct {
	AppName       string              `yaml:"app_name" env:"PONDER_APP_NAME"`
	DebugMode     bool                `yaml:"debug_mode" env:"PONDER_DEBUG"`
	LogDir        string              `yaml:"log_dir" env:"PONDER_LOG_DIR"`
	Broker        BrokerConfig        `yaml:"broker"`
	TLS           TLSConfig           `yaml:"tls"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	SQLite        SQLiteConfig        `yaml:"sqlite"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	API           APIConfig           `yaml:"api"`
	GRPC          GRPCConfig          `yaml:"grpc"`
	Devices       DevicesConfig       `yaml:"devices"`
}

type BrokerConfig struct {
	BindAddress      string       `yaml:"bind_address" env:"PONDER_BIND_ADDRESS"`
	TLSPort          int          `yaml:"tls_port" env:"PONDER_TLS_PORT"`
	PlainPort        int          `yaml:"plain_port" env:"PONDER_PLAIN_PORT"`
	MaxConnections   int          `yaml:"max_connections" env:"PONDER_MAX_CONNECTIONS"`
	MaxPacketSize    int          `yaml:"max_packet_size" env:"PONDER_MAX_PACKET_SIZE"`
	OutboundQueue    int          `yaml:"outbound_queue" env:"PONDER_OUTBOUND_QUEUE"`
	ConnectTimeout   string       `yaml:"connect_timeout" env:"PONDER_CONNECT_TIMEOUT"`
	WriteTimeout     string       `yaml:"write_timeout" env:"PONDER_WRITE_TIMEOUT"`
	ShutdownTimeout  string       `yaml:"shutdown_timeout" env:"PONDER_SHUTDOWN_TIMEOUT"`
	KeepaliveBackoff float64      `yaml:"keepalive_backoff" env:"PONDER_KEEPALIVE_BACKOFF"`
	AllowAnonymous   bool         `yaml:"allow_anonymous" env:"PONDER_ALLOW_ANONYMOUS"`
	Users            []UserConfig `yaml:"users"`
}

type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// TLSConfig 中的 cipher_suites 是显式白名单，旧固件需要的 CBC 套件必须逐个列出
type TLSConfig struct {
	Enabled           bool     `yaml:"enabled" env:"PONDER_TLS_ENABLED"`
	CertFile          string   `yaml:"cert_file" env:"PONDER_TLS_CERT_FILE"`
	KeyFile           string   `yaml:"key_file" env:"PONDER_TLS_KEY_FILE"`
	ClientCAFile      string   `yaml:"client_ca_file" env:"PONDER_TLS_CLIENT_CA_FILE"`
	RequireClientCert bool     `yaml:"require_client_cert"`
	MinVersion        string   `yaml:"min_version" env:"PONDER_TLS_MIN_VERSION"`
	MaxVersion        string   `yaml:"max_version" env:"PONDER_TLS_MAX_VERSION"`
	CipherSuites      []string `yaml:"cipher_suites"`
	HandshakeTimeout  string   `yaml:"handshake_timeout" env:"PONDER_TLS_HANDSHAKE_TIMEOUT"`
}

type DatabaseConfig struct {
	Enabled            bool   `yaml:"enabled" env:"PONDER_MONGO_ENABLED"`
	Host               string `yaml:"host" env:"PONDER_MONGO_HOST"`
	Port               uint64 `yaml:"port" env:"PONDER_MONGO_PORT"`
	Username           string `yaml:"username" env:"PONDER_MONGO_USERNAME"`
	Password           string `yaml:"password" env:"PONDER_MONGO_PASSWORD"`
	Database           string `yaml:"database" env:"PONDER_MONGO_DATABASE"`
	UseTLS             bool   `yaml:"use_tls"`
	ConnectTimeout     string `yaml:"connect_timeout"`
	SocketTimeout      string `yaml:"socket_timeout"`
	ConnectIdleTimeout string `yaml:"connect_idle_timeout"`
	OperationTimeout   string `yaml:"operation_timeout"`
	Heartbeat          string `yaml:"heartbeat"`
	MinPoolSize        uint64 `yaml:"min_pool_size"`
	MaxPoolSize        uint64 `yaml:"max_pool_size"`
	RetainedMessages   bool   `yaml:"retained_messages"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"PONDER_REDIS_ENABLED"`
	Addr      string `yaml:"addr" env:"PONDER_REDIS_ADDR"`
	Password  string `yaml:"password" env:"PONDER_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"PONDER_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix"`
}

type SQLiteConfig struct {
	Enabled     bool   `yaml:"enabled" env:"PONDER_SQLITE_ENABLED"`
	Path        string `yaml:"path" env:"PONDER_SQLITE_PATH"`
	BusyTimeout int    `yaml:"busy_timeout"`
	HistorySize int    `yaml:"history_size"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" env:"PONDER_INFLUX_ENABLED"`
	URL           string `yaml:"url" env:"PONDER_INFLUX_URL"`
	Token         string `yaml:"token" env:"PONDER_INFLUX_TOKEN"`
	Org           string `yaml:"org" env:"PONDER_INFLUX_ORG"`
	Bucket        string `yaml:"bucket" env:"PONDER_INFLUX_BUCKET"`
	BatchSize     uint   `yaml:"batch_size"`
	FlushInterval uint   `yaml:"flush_interval"`
}

type HomeAssistantConfig struct {
	Enabled         bool   `yaml:"enabled" env:"PONDER_HA_ENABLED"`
	Address         string `yaml:"address" env:"PONDER_HA_ADDRESS"`
	Port            int    `yaml:"port" env:"PONDER_HA_PORT"`
	Username        string `yaml:"username" env:"PONDER_HA_USERNAME"`
	Password        string `yaml:"password" env:"PONDER_HA_PASSWORD"`
	ClientID        string `yaml:"client_id"`
	PonderPrefix    string `yaml:"ponder_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	ConnectTimeout  string `yaml:"connect_timeout"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"PONDER_API_ENABLED"`
	Host    string `yaml:"host" env:"PONDER_API_HOST"`
	Port    int    `yaml:"port" env:"PONDER_API_PORT"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" env:"PONDER_GRPC_ENABLED"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port" env:"PONDER_GRPC_PORT"`
}

type DevicesConfig struct {
	DefinitionsDir   string          `yaml:"definitions_dir" env:"PONDER_DEFINITIONS_DIR"`
	Bindings         []BindingConfig `yaml:"bindings"`
	FailureCacheSize int             `yaml:"failure_cache_size"`
	FailureTTL       string          `yaml:"failure_ttl"`
}

type BindingConfig struct {
	ID    string `yaml:"id"`
	Model string `yaml:"model"`
}

func Default() *Config {
	return &Config{
		AppName: "ponder",
		LogDir:  "logs",
		Broker: BrokerConfig{
			TLSPort:          8883,
			PlainPort:        1883,
			MaxConnections:   10000,
			MaxPacketSize:    256 * 1024,
			OutboundQueue:    256,
			ConnectTimeout:   "60s",
			WriteTimeout:     "10s",
			ShutdownTimeout:  "10s",
			KeepaliveBackoff: 1.5,
			AllowAnonymous:   true,
		},
		TLS: TLSConfig{
			Enabled:    true,
			CertFile:   "certs/server.crt",
			KeyFile:    "certs/server.key",
			MinVersion: "1.0",
			MaxVersion: "1.2",
			CipherSuites: []string{
				"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
				"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
				"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
				"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA",
			},
			HandshakeTimeout: "30s",
		},
		Database: DatabaseConfig{
			Host:               "localhost",
			Port:               27017,
			Database:           "ponder",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "ponder:",
		},
		SQLite: SQLiteConfig{
			Enabled:     true,
			Path:        "ponder.db",
			BusyTimeout: 5000,
			HistorySize: 1000,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "ponder",
			Bucket:        "devices",
			BatchSize:     100,
			FlushInterval: 1000,
		},
		HomeAssistant: HomeAssistantConfig{
			Address:         "localhost",
			Port:            1883,
			ClientID:        "ponder",
			PonderPrefix:    "ponder",
			DiscoveryPrefix: "homeassistant",
			ConnectTimeout:  "10s",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		GRPC: GRPCConfig{
			Host: "127.0.0.1",
			Port: 9090,
		},
		Devices: DevicesConfig{
			FailureCacheSize: 256,
			FailureTTL:       "1h",
		},
	}
}

var (
	config   *Config
	configMu sync.RWMutex
)

// ReadConfig 读取配置文件，不存在时写入默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		out, _ := yaml.Marshal(cfg)
		if werr := os.WriteFile(path, out, 0644); werr != nil {
			return nil, fmt.Errorf("write default config %s: %w", path, werr)
		}
		return cfg, ErrConfigCreated
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid YAML: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	config = cfg
	configMu.Unlock()
	return cfg, nil
}

func GetConfig() (*Config, error) {
	configMu.RLock()
	cfg := config
	configMu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}
	return ReadConfig(DefaultPath)
}

func (c *Config) Validate() error {
	var errs []error
	checkPort := func(name string, port int, allowZero bool) {
		if allowZero && port == 0 {
			return
		}
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", name, port))
		}
	}

	if c.TLS.Enabled {
		checkPort("broker.tls_port", c.Broker.TLSPort, false)
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			errs = append(errs, errors.New("tls.cert_file and tls.key_file are required when tls is enabled"))
		}
		if len(c.TLS.CipherSuites) == 0 {
			errs = append(errs, errors.New("tls.cipher_suites must list at least one suite"))
		}
	}
	checkPort("broker.plain_port", c.Broker.PlainPort, true)
	if !c.TLS.Enabled && c.Broker.PlainPort == 0 {
		errs = append(errs, errors.New("at least one of tls or broker.plain_port must be enabled"))
	}
	if c.Broker.OutboundQueue <= 0 {
		errs = append(errs, errors.New("broker.outbound_queue must be positive"))
	}
	if c.Broker.MaxConnections <= 0 {
		errs = append(errs, errors.New("broker.max_connections must be positive"))
	}
	if c.Broker.MaxPacketSize <= 0 {
		errs = append(errs, errors.New("broker.max_packet_size must be positive"))
	}
	if c.Broker.KeepaliveBackoff < 1 {
		errs = append(errs, fmt.Errorf("broker.keepalive_backoff must be at least 1, got %v", c.Broker.KeepaliveBackoff))
	}
	for i, u := range c.Broker.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("broker.users[%d] requires username and password_hash", i))
		}
	}
	for i, b := range c.Devices.Bindings {
		if b.ID == "" || b.Model == "" {
			errs = append(errs, fmt.Errorf("devices.bindings[%d] requires id and model", i))
		}
	}
	if c.API.Enabled {
		checkPort("api.port", c.API.Port, false)
	}
	if c.GRPC.Enabled {
		checkPort("grpc.port", c.GRPC.Port, false)
	}
	if c.HomeAssistant.Enabled {
		checkPort("home_assistant.port", c.HomeAssistant.Port, false)
		if c.HomeAssistant.PonderPrefix == "" || c.HomeAssistant.DiscoveryPrefix == "" {
			errs = append(errs, errors.New("home_assistant prefixes must not be empty"))
		}
	}
	if c.SQLite.Enabled && c.SQLite.Path == "" {
		errs = append(errs, errors.New("sqlite.path is required when sqlite is enabled"))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb.url and influxdb.bucket are required when influxdb is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
