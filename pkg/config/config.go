package config

import "github.com/spf13/viper"

// Config carries every tunable of the feed engine. All values come from the
// environment with sensible defaults for the public live timing endpoints.
type Config struct {
	NegotiateURLBase  string   `mapstructure:"NEGOTIATE_URL_BASE"`
	WebSocketURLBase  string   `mapstructure:"WEBSOCKET_URL_BASE"`
	HubName           string   `mapstructure:"HUB_NAME"`
	Streams           []string `mapstructure:"STREAMS"`
	ReplayDir         string   `mapstructure:"REPLAY_DIR"`
	HTTPAddr          string   `mapstructure:"HTTP_ADDR"`
	SettingsDB        string   `mapstructure:"SETTINGS_DB"`
	KeepAliveSeconds  int      `mapstructure:"KEEPALIVE_SECONDS"`
	PongTimeoutSecond int      `mapstructure:"PONG_TIMEOUT_SECONDS"`
	QueueCapacity     int      `mapstructure:"QUEUE_CAPACITY"`
}

// DefaultStreams is the subscription list sent with the Subscribe invocation.
// The .z variants deliver deflate-compressed payloads.
var DefaultStreams = []string{
	"Heartbeat",
	"CarData.z",
	"Position.z",
	"ExtrapolatedClock",
	"TimingAppData",
	"WeatherData",
	"TrackStatus",
	"DriverList",
	"RaceControlMessages",
	"SessionInfo",
	"SessionData",
	"TimingData",
	"TeamRadio",
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("NEGOTIATE_URL_BASE", "https://livetiming.formula1.com/signalr")
	viper.SetDefault("WEBSOCKET_URL_BASE", "wss://livetiming.formula1.com/signalr")
	viper.SetDefault("HUB_NAME", "Streaming")
	viper.SetDefault("STREAMS", DefaultStreams)
	viper.SetDefault("REPLAY_DIR", "./replays")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("SETTINGS_DB", "./f1livesession.db")
	viper.SetDefault("KEEPALIVE_SECONDS", 15)
	viper.SetDefault("PONG_TIMEOUT_SECONDS", 60)
	viper.SetDefault("QUEUE_CAPACITY", 1024)

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
