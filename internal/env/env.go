package env

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

// Env holds runtime configuration. Pointer fields are required and stay nil
// when missing; plain fields carry defaults.
type Env struct {
	BackendURL *string
	FeedWSURL  *string
	AuthToken  *string

	UserID   *string
	Username string
	UserTier string

	DBPath           string
	UIBridgePort     int
	DebugMode        bool
	FeedPollInterval int // milliseconds
}

var Value = &Env{}

// LoadEnv reads .env (if present) and environment variables into Value.
// Environment variables take precedence over .env entries.
func LoadEnv() {
	_ = godotenv.Load()

	Value.BackendURL = optional("BACKEND_URL")
	Value.FeedWSURL = optional("FEED_WS_URL")
	Value.AuthToken = optional("AUTH_TOKEN")

	Value.UserID = optional("USER_ID")
	Value.Username = withDefault("USERNAME", "")
	Value.UserTier = withDefault("USER_TIER", "basic")

	Value.DBPath = withDefault("DB_PATH", "streamlive.db")
	Value.UIBridgePort = intWithDefault("UI_BRIDGE_PORT", 8090)
	Value.DebugMode = os.Getenv("DEBUG_MODE") == "true"
	Value.FeedPollInterval = intWithDefault("FEED_POLL_INTERVAL_MS", 2000)
}

// Validate checks that all required settings are present.
func Validate() bool {
	ok := true
	for key, v := range map[string]*string{
		"BACKEND_URL": Value.BackendURL,
		"AUTH_TOKEN":  Value.AuthToken,
		"USER_ID":     Value.UserID,
	} {
		if v == nil || *v == "" {
			logger.Error("Required environment variable is missing", zap.String("key", key))
			ok = false
		}
	}
	return ok
}

func optional(key string) *string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return &v
}

func withDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intWithDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("Invalid integer environment variable, using default",
			zap.String("key", key),
			zap.String("value", v),
			zap.Int("default", def))
		return def
	}
	return n
}
