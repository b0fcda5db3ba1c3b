// Package config loads the agent's YAML state file. The file is both
// configuration and persisted state: UAID, push channels with their receiver
// keys, the notification permission and the cached owner identity.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

// LoadDotEnv loads .env into the environment if the file exists.
func LoadDotEnv(path string) bool {
	return godotenv.Load(path) == nil
}

func LoadConfig(configPath string) (*domain.Config, *sync.RWMutex, error) {
	var config domain.Config
	configMutex := &sync.RWMutex{}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config.ApplyDefaults()
		if err := SaveConfig(configPath, &config); err != nil {
			return nil, nil, err
		}
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	if err := applyEnv(&config); err != nil {
		return nil, nil, err
	}
	config.ApplyDefaults()
	return &config, configMutex, nil
}

// SaveConfig writes the file atomically. It holds private keys, hence 0600.
func SaveConfig(configPath string, cfg *domain.Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(configPath), ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), configPath)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// applyEnv lets the environment override secrets and endpoints.
func applyEnv(cfg *domain.Config) error {
	cfg.Telegram.Token = getEnvOrDefault("TELEGRAM_TOKEN", cfg.Telegram.Token)
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Telegram.ChatID = id
	}
	cfg.Server.VAPIDPublicKey = getEnvOrDefault("VAPID_PUBLIC_KEY", cfg.Server.VAPIDPublicKey)
	cfg.Server.BaseURL = getEnvOrDefault("SCANMYCAR_API", cfg.Server.BaseURL)
	cfg.Main.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.Main.LogLevel)
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Session.RedisAddr = addr
		cfg.Session.Store = "redis"
	}
	cfg.Session.RedisPassword = getEnvOrDefault("REDIS_PASSWORD", cfg.Session.RedisPassword)
	return nil
}
