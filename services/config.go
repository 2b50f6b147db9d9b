package services

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Agent     AgentConfig
	Voice     VoiceConfig
	Storage   StorageConfig
	AI        AIConfig
	Interview InterviewConfig
	Sweeper   SweeperConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port string
	// PublicURL is used to build URLs for the in-memory object store.
	PublicURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	URL          string
	Seed         bool
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

type RedisConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
}

type AgentConfig struct {
	APIKey string
}

type VoiceConfig struct {
	WSURL    string
	TokenTTL time.Duration
}

type StorageConfig struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	PresignTTL    time.Duration
	UsePathStyle  bool
	// MaxRelayBytes caps a recording uploaded through the server.
	MaxRelayBytes int64
}

type AIConfig struct {
	GeminiAPIKey string
	GeminiModel  string
}

type InterviewConfig struct {
	TokenTTL     time.Duration
	AnswerBudget time.Duration
}

type SweeperConfig struct {
	Schedule string
	Grace    time.Duration
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type CORSConfig struct {
	AllowedOrigins string
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.public_url", "http://localhost:8080")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.seed", "true")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("agent.api_key", "")
	viper.SetDefault("voice.ws_url", "ws://localhost:8080/rooms/ws")
	viper.SetDefault("voice.token_ttl", "2h")
	viper.SetDefault("storage.region", "auto")
	viper.SetDefault("storage.presign_ttl", "15m")
	viper.SetDefault("storage.use_path_style", "false")
	viper.SetDefault("storage.max_relay_bytes", DefaultMaxRelayBytes)
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", "gemini-2.5-flash")
	viper.SetDefault("interview.token_ttl", "24h")
	viper.SetDefault("interview.answer_budget", "120s")
	viper.SetDefault("sweeper.schedule", "@every 5m")
	viper.SetDefault("sweeper.grace", "2m")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("cors.allowed_origins", "")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.public_url", "SERVER_PUBLIC_URL")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.format", "LOG_FORMAT")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.seed", "DATABASE_SEED")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("agent.api_key", "AGENT_API_KEY")
	viper.BindEnv("voice.ws_url", "VOICE_WS_URL")
	viper.BindEnv("voice.token_ttl", "VOICE_TOKEN_TTL")
	viper.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	viper.BindEnv("storage.region", "STORAGE_REGION")
	viper.BindEnv("storage.bucket", "STORAGE_BUCKET")
	viper.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	viper.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	viper.BindEnv("storage.public_base_url", "STORAGE_PUBLIC_BASE_URL")
	viper.BindEnv("storage.presign_ttl", "STORAGE_PRESIGN_TTL")
	viper.BindEnv("storage.use_path_style", "STORAGE_USE_PATH_STYLE")
	viper.BindEnv("storage.max_relay_bytes", "STORAGE_MAX_RELAY_BYTES")
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("gemini.model", "GEMINI_MODEL")
	viper.BindEnv("interview.token_ttl", "INTERVIEW_TOKEN_TTL")
	viper.BindEnv("interview.answer_budget", "INTERVIEW_ANSWER_BUDGET")
	viper.BindEnv("sweeper.schedule", "SWEEPER_SCHEDULE")
	viper.BindEnv("sweeper.grace", "SWEEPER_GRACE")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			PublicURL: viper.GetString("server.public_url"),
		},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			Seed:         viper.GetBool("database.seed"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		Redis: RedisConfig{
			URL: viper.GetString("redis.url"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		Agent: AgentConfig{
			APIKey: viper.GetString("agent.api_key"),
		},
		Voice: VoiceConfig{
			WSURL:    viper.GetString("voice.ws_url"),
			TokenTTL: viper.GetDuration("voice.token_ttl"),
		},
		Storage: StorageConfig{
			Endpoint:      viper.GetString("storage.endpoint"),
			Region:        viper.GetString("storage.region"),
			Bucket:        viper.GetString("storage.bucket"),
			AccessKey:     viper.GetString("storage.access_key"),
			SecretKey:     viper.GetString("storage.secret_key"),
			PublicBaseURL: viper.GetString("storage.public_base_url"),
			PresignTTL:    viper.GetDuration("storage.presign_ttl"),
			UsePathStyle:  viper.GetBool("storage.use_path_style"),
			MaxRelayBytes: viper.GetInt64("storage.max_relay_bytes"),
		},
		AI: AIConfig{
			GeminiAPIKey: viper.GetString("gemini.api_key"),
			GeminiModel:  viper.GetString("gemini.model"),
		},
		Interview: InterviewConfig{
			TokenTTL:     viper.GetDuration("interview.token_ttl"),
			AnswerBudget: viper.GetDuration("interview.answer_budget"),
		},
		Sweeper: SweeperConfig{
			Schedule: viper.GetString("sweeper.schedule"),
			Grace:    viper.GetDuration("sweeper.grace"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		CORS: CORSConfig{
			AllowedOrigins: viper.GetString("cors.allowed_origins"),
		},
	}
}
