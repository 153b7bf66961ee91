// Package config loads runtime configuration from an optional YAML
// file, environment variables, and built-in defaults.
package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the client core and
// its demo CLI.
type Config struct {
	GameURL        string
	Zone           string
	ClientVersion  string
	Username       string
	Password       string
	DBPath         string
	ChatLogPath    string
	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	RetryInterval  time.Duration
	RetryMax       time.Duration
	MapScanRadius  int
	MapScanRate    float64
}

// Load loads configuration from a config file (if given or found on
// the search path) and environment variables, via Viper. Optionally
// accepts a config file path as the first argument.
func Load(configPath ...string) Config {
	viper.SetDefault("game_url", "wss://game.example.com/ws")
	viper.SetDefault("zone", "Z")
	viper.SetDefault("client_version", "1.0")
	viper.SetDefault("username", "")
	viper.SetDefault("password", "")
	viper.SetDefault("db_path", "data/sfsclient.db")
	viper.SetDefault("chat_log_path", "data/chatlog.db")
	viper.SetDefault("connect_timeout", "10s")
	viper.SetDefault("step_timeout", "5s")
	viper.SetDefault("retry_interval", "5s")
	viper.SetDefault("retry_max", "60s")
	viper.SetDefault("map_scan_radius", 5)
	viper.SetDefault("map_scan_rate", 2.0)

	if len(configPath) > 0 && configPath[0] != "" {
		viper.SetConfigFile(configPath[0])
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("data")
		viper.AddConfigPath("$HOME/.sfsclient")
		viper.AddConfigPath("/etc/sfsclient")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("No config file found, using defaults and environment variables")
		} else {
			log.Printf("Error reading config file: %v", err)
		}
	} else {
		log.Printf("Using config file: %s", viper.ConfigFileUsed())
	}

	viper.SetEnvPrefix("")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Config{
		GameURL:        viper.GetString("game_url"),
		Zone:           viper.GetString("zone"),
		ClientVersion:  viper.GetString("client_version"),
		Username:       viper.GetString("username"),
		Password:       viper.GetString("password"),
		DBPath:         viper.GetString("db_path"),
		ChatLogPath:    viper.GetString("chat_log_path"),
		ConnectTimeout: viper.GetDuration("connect_timeout"),
		StepTimeout:    viper.GetDuration("step_timeout"),
		RetryInterval:  viper.GetDuration("retry_interval"),
		RetryMax:       viper.GetDuration("retry_max"),
		MapScanRadius:  viper.GetInt("map_scan_radius"),
		MapScanRate:    viper.GetFloat64("map_scan_rate"),
	}

	if err := os.MkdirAll(dirOf(cfg.DBPath), 0o755); err != nil {
		log.Printf("warning: unable to create data dir: %v", err)
	}

	if cfg.Username == "" {
		log.Printf("WARNING: no username configured, login will use an empty NOM")
	}

	return cfg
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// SaveExample writes an example config.yaml to path.
func SaveExample(path string) error {
	exampleConfig := `# sfsclient configuration file
# This file uses YAML format; environment variables override these values.

game_url: wss://game.example.com/ws
zone: Z
client_version: "1.0"

username: your-username
password: your-password

db_path: data/sfsclient.db
chat_log_path: data/chatlog.db

connect_timeout: 10s
step_timeout: 5s
retry_interval: 5s
retry_max: 60s

map_scan_radius: 5
map_scan_rate: 2.0
`
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}
