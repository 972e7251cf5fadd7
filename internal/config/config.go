package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grid-engine-go/internal/models"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	defaultCycleIntervalSec   = 5
	defaultMonitorIntervalSec = 5
	defaultOrderPollAttempts  = 10
	defaultOrderPollDelayMs   = 2000
	defaultMonitorWorkers     = 4
	defaultMaxStrategies      = 10
	defaultServerHost         = "0.0.0.0"
	defaultServerPort         = 8080
	defaultDBPath             = "data/grid_engine"
	defaultLiveAPIURL         = "https://api.binance.com"
	defaultLiveWSURL          = "wss://stream.binance.com:9443"
	defaultTestnetAPIURL      = "https://testnet.binance.vision"
	defaultTestnetWSURL       = "wss://testnet.binance.vision"
	defaultPriceFreshnessSec  = 10
)

// LoadConfig 从指定路径加载配置文件 (.json / .yaml / .yml), 填充默认值,
// 应用环境变量覆盖并校验。
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("解析YAML配置失败: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("解析JSON配置失败: %w", err)
		}
	}

	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	e := &cfg.Engine
	if e.CycleIntervalSec <= 0 {
		e.CycleIntervalSec = defaultCycleIntervalSec
	}
	if e.MonitorIntervalSec <= 0 {
		e.MonitorIntervalSec = defaultMonitorIntervalSec
	}
	if e.OrderPollAttempts <= 0 {
		e.OrderPollAttempts = defaultOrderPollAttempts
	}
	if e.OrderPollDelayMs <= 0 {
		e.OrderPollDelayMs = defaultOrderPollDelayMs
	}
	if e.MonitorWorkers <= 0 {
		e.MonitorWorkers = defaultMonitorWorkers
	}
	if e.MaxConcurrentStrategies <= 0 {
		e.MaxConcurrentStrategies = defaultMaxStrategies
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "badger"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = defaultDBPath
	}

	x := &cfg.Exchange
	if x.Default == "" {
		x.Default = "paper"
	}
	if x.LiveAPIURL == "" {
		x.LiveAPIURL = defaultLiveAPIURL
	}
	if x.LiveWSURL == "" {
		x.LiveWSURL = defaultLiveWSURL
	}
	if x.TestnetAPIURL == "" {
		x.TestnetAPIURL = defaultTestnetAPIURL
	}
	if x.TestnetWSURL == "" {
		x.TestnetWSURL = defaultTestnetWSURL
	}
	if x.PriceFreshnessSec <= 0 {
		x.PriceFreshnessSec = defaultPriceFreshnessSec
	}

	for i := range cfg.Strategies {
		if cfg.Strategies[i].Exchange == "" {
			cfg.Strategies[i].Exchange = x.Default
		}
	}

	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// ApplyEnv 用环境变量覆盖配置。API密钥只从环境变量读取。
func ApplyEnv(cfg *models.Config, getenv func(string) string) {
	if v := getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.Exchange.SecretKey = v
	}
	if v := getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := getenv("GRID_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := getenv("GRID_LOG_LEVEL"); v != "" {
		cfg.LogConfig.Level = v
	}
}

// Validate 检查配置的一致性
func Validate(cfg *models.Config) error {
	switch cfg.Storage.Driver {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("不支持的存储驱动: %q", cfg.Storage.Driver)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("无效的端口: %d", cfg.Server.Port)
	}
	if cfg.Engine.MaxPriceFailures < 0 {
		return fmt.Errorf("max_price_failures 不能为负数: %d", cfg.Engine.MaxPriceFailures)
	}
	if cfg.Exchange.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second 不能为负数: %v", cfg.Exchange.RequestsPerSecond)
	}
	for i, s := range cfg.Strategies {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
	}
	return nil
}
