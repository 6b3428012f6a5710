package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Telemetry TelemetryConfig
	Agent     AgentConfig
}

type TelemetryConfig struct {
	ServerAddress string    `mapstructure:"server_address"`
	AuthKey       string    `mapstructure:"auth_key"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

type AgentConfig struct {
	ID                        string `mapstructure:"id"`
	StateFile                 string `mapstructure:"state_file"`
	HeartbeatIntervalSeconds  int    `mapstructure:"heartbeat_interval_seconds"`
	CollectionIntervalSeconds int    `mapstructure:"collection_interval_seconds"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-telemetry-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("telemetry.server_address", "TELEMETRY_SERVER_ADDRESS")
	_ = viper.BindEnv("telemetry.auth_key", "TELEMETRY_AUTH_KEY")

	viper.SetDefault("telemetry.server_address", "localhost:9876")
	viper.SetDefault("agent.state_file", "agent_state.yaml")

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
