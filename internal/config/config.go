/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transaction core.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisVelocityPrefix  string `mapstructure:"REDIS_VELOCITY_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SettlementEventQueue string `mapstructure:"SETTLEMENT_EVENT_QUEUE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	LedgerServiceURL     string `mapstructure:"LEDGER_SERVICE_URL"`
	LedgerAPIKey         string `mapstructure:"LEDGER_API_KEY"`

	ReferencePrefix   string `mapstructure:"REFERENCE_PREFIX"`
	ReferenceAttempts int    `mapstructure:"REFERENCE_ATTEMPTS"`

	RiskEvalTimeoutMs   int     `mapstructure:"RISK_EVAL_TIMEOUT_MS"`
	RiskReviewThreshold int     `mapstructure:"RISK_REVIEW_THRESHOLD"`
	RiskReviewCeiling   string  `mapstructure:"RISK_REVIEW_CEILING"`
	RiskSamplingRate    float64 `mapstructure:"RISK_SAMPLING_RATE"`

	LedgerTimeoutMs int `mapstructure:"LEDGER_TIMEOUT_MS"`
	LedgerAttempts  int `mapstructure:"LEDGER_ATTEMPTS"`
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to automatically bind environment variables to the
// Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SETTLEMENT_EVENT_QUEUE", "transaction_core.settlement_updates")
	viper.SetDefault("REDIS_VELOCITY_PREFIX", "flowpay:velocity")
	viper.SetDefault("REFERENCE_PREFIX", "TXN")
	viper.SetDefault("REFERENCE_ATTEMPTS", 5)
	viper.SetDefault("RISK_EVAL_TIMEOUT_MS", 3000)
	viper.SetDefault("RISK_REVIEW_THRESHOLD", 60)
	viper.SetDefault("RISK_REVIEW_CEILING", "10000")
	viper.SetDefault("RISK_SAMPLING_RATE", 0.02)
	viper.SetDefault("LEDGER_TIMEOUT_MS", 5000)
	viper.SetDefault("LEDGER_ATTEMPTS", 3)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSACTION_REDIS_URL")
	_ = viper.BindEnv("REDIS_VELOCITY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSACTION_CORE_INTERNAL_API_KEY")
	_ = viper.BindEnv("LEDGER_SERVICE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("REFERENCE_PREFIX")
	_ = viper.BindEnv("REFERENCE_ATTEMPTS")
	_ = viper.BindEnv("RISK_EVAL_TIMEOUT_MS")
	_ = viper.BindEnv("RISK_REVIEW_THRESHOLD")
	_ = viper.BindEnv("RISK_REVIEW_CEILING")
	_ = viper.BindEnv("RISK_SAMPLING_RATE")
	_ = viper.BindEnv("LEDGER_TIMEOUT_MS")
	_ = viper.BindEnv("LEDGER_ATTEMPTS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSACTION_CORE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisVelocityPrefix = strings.TrimSpace(config.RedisVelocityPrefix)
	if config.RedisVelocityPrefix == "" {
		config.RedisVelocityPrefix = "flowpay:velocity"
	}
	config.ReferencePrefix = strings.TrimSpace(config.ReferencePrefix)
	if config.ReferencePrefix == "" {
		config.ReferencePrefix = "TXN"
	}
	config.LedgerAPIKey = strings.TrimSpace(config.LedgerAPIKey)
	if config.LedgerAPIKey == "" {
		config.LedgerAPIKey = config.InternalAPIKey
	}

	if config.ReferenceAttempts <= 0 {
		config.ReferenceAttempts = 5
	}
	if config.RiskEvalTimeoutMs <= 0 {
		config.RiskEvalTimeoutMs = 3000
	}
	if config.RiskReviewThreshold <= 0 {
		config.RiskReviewThreshold = 60
	}
	if config.RiskSamplingRate < 0 {
		log.Printf("level=warn component=config msg=\"negative sampling rate configured; coercing to zero\" rate=%f", config.RiskSamplingRate)
		config.RiskSamplingRate = 0
	}
	if config.RiskSamplingRate > 1 {
		log.Printf("level=warn component=config msg=\"sampling rate above 1; capping\" rate=%f", config.RiskSamplingRate)
		config.RiskSamplingRate = 1
	}
	if config.LedgerTimeoutMs <= 0 {
		config.LedgerTimeoutMs = 5000
	}
	if config.LedgerAttempts <= 0 {
		config.LedgerAttempts = 3
	}

	return
}
