package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/EternisAI/silo-telemetry/internal/api/http"
	"github.com/EternisAI/silo-telemetry/internal/db"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Telemetry TelemetryConfig
	Database  db.Config
}

type TelemetryConfig struct {
	Host               string    `mapstructure:"host"`
	Port               int       `mapstructure:"port"`
	ReadTimeoutSeconds int       `mapstructure:"read_timeout_seconds"`
	LegacyImplicitAuth bool      `mapstructure:"legacy_implicit_auth"`
	DurableQueue       bool      `mapstructure:"durable_queue"`
	SharedKeyHash      string    `mapstructure:"shared_key_hash"`
	TLS                TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth string `mapstructure:"client_auth"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-telemetry-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("http.api_key", "HTTP_API_KEY")
	_ = viper.BindEnv("http.jwt_secret", "HTTP_JWT_SECRET")

	viper.SetDefault("telemetry.host", "0.0.0.0")
	viper.SetDefault("telemetry.port", 9876)
	viper.SetDefault("telemetry.read_timeout_seconds", 300)
	viper.SetDefault("http.port", 8080)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
