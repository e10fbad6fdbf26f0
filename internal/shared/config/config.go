package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"crawladapter/internal/shared/types"
)

const envPrefix = "CRAWLADAPTER_"

// LoadIni 加载 crawladapter.ini 行为配置文件。
// cfg 应当预先填充默认值 (types.DefaultConfig)，文件中缺失的键会保持原值。
// 同目录下的 .env 会先被载入，随后 CRAWLADAPTER_* 环境变量覆盖对应键。
func LoadIni(cfg *types.Config, fileName string) error {
	loadDotEnv(filepath.Join(filepath.Dir(fileName), ".env"))

	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("failed to load ini file: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map ini file: %w", err)
	}
	ApplyEnv(cfg)
	return nil
}

// ApplyEnv 使用环境变量覆盖配置。
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.EngineConf.APIBase, "ENGINE_API_BASE")
	overrideFromEnvString(&cfg.EngineConf.Secret, "ENGINE_SECRET")
	overrideFromEnvString(&cfg.EngineConf.Group, "ENGINE_GROUP")
	overrideFromEnvString(&cfg.EngineConf.Ingress, "INGRESS")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	overrideFromEnvString(&cfg.LogConf.Format, "LOG_FORMAT")
	overrideFromEnvString(&cfg.HealthConf.Strategy, "HEALTH_STRATEGY")
	overrideFromEnvString(&cfg.SelectorConf.Strategy, "SELECTOR_STRATEGY")
	overrideFromEnvString(&cfg.RosterConf.File, "ROSTER_FILE")
	overrideFromEnvString(&cfg.LocalConf.WebUser, "WEB_USER")
	overrideFromEnvString(&cfg.LocalConf.WebPassword, "WEB_PASSWORD")

	overrideFromEnvInt(&cfg.HealthConf.Timeout, "HEALTH_TIMEOUT")
	overrideFromEnvInt(&cfg.HealthConf.MaxConcurrent, "HEALTH_MAX_CONCURRENT")
	overrideFromEnvInt(&cfg.HealthConf.BaseInterval, "HEALTH_BASE_INTERVAL")
	overrideFromEnvInt(&cfg.RoutingConf.CacheSize, "ROUTING_CACHE_SIZE")
	overrideFromEnvInt(&cfg.LocalConf.WebPort, "WEB_PORT")

	overrideFromEnvFloat(&cfg.HealthConf.MinSuccessRate, "HEALTH_MIN_SUCCESS_RATE")
	overrideFromEnvFloat(&cfg.SelectorConf.HealthyThreshold, "SELECTOR_HEALTHY_THRESHOLD")
}

// loadDotEnv 载入 .env 文件，已存在的环境变量优先。文件不存在时静默忽略。
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

func overrideFromEnvString(target *string, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*target = v
	}
}

func overrideFromEnvInt(target *int, name string) {
	envValue := os.Getenv(envPrefix + name)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvFloat(target *float64, name string) {
	envValue := os.Getenv(envPrefix + name)
	if envValue != "" {
		if f, err := strconv.ParseFloat(envValue, 64); err == nil {
			*target = f
		}
	}
}
