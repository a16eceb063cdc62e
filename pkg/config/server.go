package config

import "time"

// ServerConfig holds runtime configuration for the multibot server.
type ServerConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	EnvEncryptionKey   string
	AccessTokenTTL     time.Duration
	AdminEmail         string
	AdminPassword      string
	DockerHost         string
	Workdir            string
	GitTimeout         time.Duration
	DeployTimeout      time.Duration
	StopGrace          time.Duration
	ArchiveMaxBytes    int64
	LogTailDefault     int
	LogBuffer          int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	LogLevel           string
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("SERVER_ADDR", ":8000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://multibot:multibot@db:5432/multibot?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey:   GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		AdminEmail:         GetString("ADMIN_EMAIL", "admin@example.com"),
		AdminPassword:      GetString("ADMIN_PASSWORD", "admin"),
		DockerHost:         GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Workdir:            GetString("BOT_WORKDIR", "/var/lib/multibot/workspaces"),
		GitTimeout:         time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		DeployTimeout:      time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 600)) * time.Second,
		StopGrace:          time.Duration(GetInt("STOP_GRACE_SECONDS", 10)) * time.Second,
		ArchiveMaxBytes:    GetInt64("ARCHIVE_MAX_BYTES", 100<<20),
		LogTailDefault:     GetInt("LOG_TAIL_DEFAULT", 200),
		LogBuffer:          GetInt("WS_LOG_BUFFER", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		LogLevel:           GetString("LOG_LEVEL", "info"),
	}
}
