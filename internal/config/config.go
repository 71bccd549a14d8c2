package config

import (
	"encoding/json"
	"os"

	"bybit-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	applyDefaults(config)
	return config, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "grid_bot.db"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "grid_bot_state"
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = ":8080"
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 5
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInitialDelayMs <= 0 {
		cfg.RetryInitialDelayMs = 500
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = 10
	}
}
