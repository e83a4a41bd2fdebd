package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/obdsoc/internal/logger"
	"github.com/shaunagostinho/obdsoc/internal/mqtt"
	"github.com/shaunagostinho/obdsoc/internal/obd"
	"github.com/shaunagostinho/obdsoc/internal/poller"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "/etc/obdsoc/config.yaml"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	// Dongle and protocol
	OBD OBDConfig `yaml:"obd" json:"obd"`

	// Polling schedule
	Poll PollConfig `yaml:"poll" json:"poll"`

	// Last known SOC
	Store StoreConfig `yaml:"store" json:"store"`

	// SOC history CSV
	History logger.Config `yaml:"history" json:"history"`

	// In-memory log buffer
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Home Assistant publishing
	MQTT mqtt.Config `yaml:"mqtt" json:"mqtt"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type OBDConfig struct {
	DeviceMAC        string `yaml:"device_mac" json:"deviceMac"` // Bluetooth address of the dongle
	Demo             bool   `yaml:"demo" json:"demo"`           // simulated dongle
	PortPath         string `yaml:"port_path" json:"portPath"`  // e.g. /dev/rfcomm0
	BaudRate         int    `yaml:"baud_rate" json:"baudRate"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms" json:"commandTimeoutMs"` // per init command
	SOCCommand       string `yaml:"soc_command" json:"socCommand"`
	SOCHeader        string `yaml:"soc_header" json:"socHeader"` // prefix of the line carrying SOC
	SOCTimeoutMs     int    `yaml:"soc_timeout_ms" json:"socTimeoutMs"`
	ProbeTimeoutMs   int    `yaml:"probe_timeout_ms" json:"probeTimeoutMs"`
	UseSudo          bool   `yaml:"use_sudo" json:"useSudo"` // run l2ping/hcitool through sudo
}

type PollConfig struct {
	SuccessIntervalS int `yaml:"success_interval_s" json:"successIntervalS"`
	FastRetryS       int `yaml:"fast_retry_s" json:"fastRetryS"`
	SlowRetryS       int `yaml:"slow_retry_s" json:"slowRetryS"`
	ErrorDelayS      int `yaml:"error_delay_s" json:"errorDelayS"`
	FailureThreshold int `yaml:"failure_threshold" json:"failureThreshold"` // failed reads before slow retry
	ResetSettleMs    int `yaml:"reset_settle_ms" json:"resetSettleMs"`
}

type StoreConfig struct {
	SOCFile     string  `yaml:"soc_file" json:"socFile"`
	Distance100 float64 `yaml:"distance_100" json:"distance100"` // km at 100 %, 0 = no range estimate
}

type LoggingConfig struct {
	LogLength int `yaml:"log_length" json:"logLength"` // entries kept for /api/logs
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OBD: OBDConfig{
			PortPath:         "/dev/rfcomm0",
			BaudRate:         9600,
			CommandTimeoutMs: int(obd.DefaultCommandTimeout / time.Millisecond),
			SOCCommand:       obd.DefaultSOCCommand,
			SOCHeader:        obd.DefaultSOCHeader,
			SOCTimeoutMs:     5000,
			ProbeTimeoutMs:   int(obd.DefaultProbeTimeout / time.Millisecond),
		},
		Poll: PollConfig{
			SuccessIntervalS: 60,
			FastRetryS:       5,
			SlowRetryS:       15 * 60,
			ErrorDelayS:      30,
			FailureThreshold: 10,
			ResetSettleMs:    1000,
		},
		Store: StoreConfig{
			SOCFile: "soc.json",
		},
		History: logger.Config{
			Enabled: false,
			Path:    "/var/log/obdsoc",
		},
		Logging: LoggingConfig{
			LogLength: 200,
		},
		MQTT: mqtt.Config{
			Enabled:         false,
			ClientID:        "obdsoc",
			DiscoveryPrefix: "homeassistant",
			DeviceName:      "Car",
		},
		Server: ServerConfig{
			ListenAddr: ":3000",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then CWD. Real env takes precedence.
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		if _, err := os.Stat(ep); err != nil {
			continue
		}
		if err := godotenv.Load(ep); err != nil {
			log.Printf("[config] error loading %s: %v", ep, err)
			continue
		}
		log.Printf("[config] loaded .env from %s", ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_MAC, SERIAL_PORT, SERIAL_BAUD, OBD_DEMO, SOC_FILE,
// DISTANCE_100, LOG_LENGTH, HISTORY_ENABLED, HISTORY_PATH, MQTT_BROKER,
// MQTT_USERNAME, MQTT_PASSWORD, PORT, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_MAC"); v != "" {
		c.OBD.DeviceMAC = v
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.OBD.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.BaudRate = n
		}
	}
	if v := os.Getenv("OBD_DEMO"); v != "" {
		c.OBD.Demo = truthy(v)
	}
	if v := os.Getenv("SOC_FILE"); v != "" {
		c.Store.SOCFile = v
	}
	if v := os.Getenv("DISTANCE_100"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Store.Distance100 = n
		}
	}
	if v := os.Getenv("LOG_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.LogLength = n
		}
	}
	if v := os.Getenv("HISTORY_ENABLED"); v != "" {
		c.History.Enabled = truthy(v)
	}
	if v := os.Getenv("HISTORY_PATH"); v != "" {
		c.History.Path = v
	}
	// MQTT
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	// LISTEN_ADDR wins over PORT
	if v := os.Getenv("PORT"); v != "" {
		c.Server.ListenAddr = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// PollerConfig converts the poll and protocol sections for poller.New.
func (c *Config) PollerConfig() poller.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return poller.Config{
		SuccessInterval:  time.Duration(c.Poll.SuccessIntervalS) * time.Second,
		FastRetry:        time.Duration(c.Poll.FastRetryS) * time.Second,
		SlowRetry:        time.Duration(c.Poll.SlowRetryS) * time.Second,
		ErrorDelay:       time.Duration(c.Poll.ErrorDelayS) * time.Second,
		FailureThreshold: c.Poll.FailureThreshold,
		ResetSettle:      time.Duration(c.Poll.ResetSettleMs) * time.Millisecond,
		CommandTimeout:   time.Duration(c.OBD.CommandTimeoutMs) * time.Millisecond,
		SOCCommand:       c.OBD.SOCCommand,
		SOCHeader:        c.OBD.SOCHeader,
		SOCTimeout:       time.Duration(c.OBD.SOCTimeoutMs) * time.Millisecond,
	}
}

// ConnectionConfig converts the obd section for obd.NewConnection.
func (c *Config) ConnectionConfig() obd.ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return obd.ConnectionConfig{
		Peer:         c.OBD.DeviceMAC,
		ProbeTimeout: time.Duration(c.OBD.ProbeTimeoutMs) * time.Millisecond,
	}
}

// SerialConfig converts the obd section for obd.NewSerialOpener.
func (c *Config) SerialConfig() obd.SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return obd.SerialConfig{PortPath: c.OBD.PortPath, BaudRate: c.OBD.BaudRate}
}

// Distance100 returns the configured range at 100 % SOC in km.
func (c *Config) Distance100() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Store.Distance100
}
