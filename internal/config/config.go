package config

import (
	"crypto-orchestrator-bots/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 密钥只从环境变量读取，不写进配置文件
const (
	EnvBinanceAPIKey    = "BINANCE_API_KEY"
	EnvBinanceSecretKey = "BINANCE_SECRET_KEY"
	EnvTelegramToken    = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
	EnvRedisPassword    = "REDIS_PASSWORD"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 随后叠加环境变量并补全默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	ApplyDefaults(config)
	return config, nil
}

// LoadDotEnv loads .env files into the process environment. A missing file is
// not an error; it returns false so the caller can log where secrets came from.
func LoadDotEnv(files ...string) bool {
	if err := godotenv.Load(files...); err != nil {
		return false
	}
	return true
}

// ApplyEnv copies secrets from the environment into cfg.
func ApplyEnv(cfg *models.Config) error {
	cfg.Exchange.APIKey = os.Getenv(EnvBinanceAPIKey)
	cfg.Exchange.SecretKey = os.Getenv(EnvBinanceSecretKey)
	cfg.Notify.TelegramToken = os.Getenv(EnvTelegramToken)
	cfg.Notify.RedisPassword = os.Getenv(EnvRedisPassword)

	if raw := strings.TrimSpace(os.Getenv(EnvTelegramChatID)); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s 不是合法的 chat id: %w", EnvTelegramChatID, err)
		}
		cfg.Notify.TelegramChatID = id
	}
	return nil
}

// ApplyDefaults fills every zero value the process needs to start.
func ApplyDefaults(cfg *models.Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bots"
	}

	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
	if cfg.LogConfig.File == "" {
		cfg.LogConfig.File = "logs/bots.log"
	}
	if cfg.LogConfig.MaxSize == 0 {
		cfg.LogConfig.MaxSize = 100
	}

	ex := &cfg.Exchange
	if ex.StreamURL == "" {
		if ex.IsTestnet {
			ex.StreamURL = "wss://stream.testnet.binance.vision"
		} else {
			ex.StreamURL = "wss://stream.binance.com:9443"
		}
	}
	if ex.StaleAfterSec == 0 {
		ex.StaleAfterSec = 10
	}
	if ex.PollIntervalMs == 0 {
		ex.PollIntervalMs = 2000
	}
	if ex.RequestsPerSec == 0 {
		ex.RequestsPerSec = 10
	}
	if ex.PingIntervalSec == 0 {
		ex.PingIntervalSec = 30
	}
	if ex.TakerFeeRate == 0 {
		ex.TakerFeeRate = 0.001
	}
	if ex.MakerFeeRate == 0 {
		ex.MakerFeeRate = 0.001
	}

	sv := &cfg.Supervisor
	if sv.Workers == 0 {
		sv.Workers = 8
	}
	if sv.GatewayTimeoutMs == 0 {
		sv.GatewayTimeoutMs = 5000
	}
	defaults := map[models.Strategy]int{
		models.StrategyGrid:         15,
		models.StrategyDCA:          60,
		models.StrategyInfinityGrid: 30,
		models.StrategyTrailing:     10,
		models.StrategyFutures:      5,
	}
	if sv.Cadences == nil {
		sv.Cadences = make(map[string]int, len(defaults))
	}
	for strategy, sec := range defaults {
		if sv.Cadences[string(strategy)] <= 0 {
			sv.Cadences[string(strategy)] = sec
		}
	}

	if cfg.Notify.BufferSize == 0 {
		cfg.Notify.BufferSize = 256
	}
	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = ":8080"
	}

	for i := range cfg.Bots {
		b := &cfg.Bots[i]
		if b.Mode == "" {
			b.Mode = models.ModePaper
		}
		b.Symbol = strings.ToUpper(b.Symbol)
		// 马丁格尔加仓不设上限时按基础数量的 64 倍封顶
		if b.Strategy == models.StrategyDCA && b.Parameters.MaxOrderSize == 0 && b.Parameters.Multiplier > 1 {
			b.Parameters.MaxOrderSize = b.Parameters.OrderSize * 64
		}
	}
}
