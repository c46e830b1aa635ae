package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Tatu1984/netwatch-sub000/internal/api/http"
	"github.com/Tatu1984/netwatch-sub000/internal/storage/postgres"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Broker   BrokerConfig
	Jwt      JwtConfig
	Database postgres.Config
}

type BrokerConfig struct {
	AgentKey         string `mapstructure:"agent_key"`
	HeartbeatTimeout int    `mapstructure:"heartbeat_timeout_seconds"`
	SweepInterval    int    `mapstructure:"sweep_interval_seconds"`
	SendBuffer       int    `mapstructure:"send_buffer"`
	StreamQuality    int    `mapstructure:"stream_quality"`
	StreamFps        int    `mapstructure:"stream_fps"`
}

func (c BrokerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

func (c BrokerConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

type JwtConfig struct {
	Secret     string `mapstructure:"secret"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/netwatch-broker")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("broker.agent_key", "AGENT_KEY")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

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
