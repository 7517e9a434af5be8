package env

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt returns the integer value of key or def when unset or malformed.
func GetEnvInt(key string, def int) int {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEnvFloat returns the float value of key or def when unset or malformed.
func GetEnvFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

// GetEnvBool accepts true/false/1/0/yes/no.
func GetEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(GetEnv(key, ""))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

// SetupEnvFile loads the first .env file found. Unlike the web app, the
// gateway also runs from plain container environments, so a missing file is
// reported instead of panicking.
func SetupEnvFile(extra ...string) error {
	// Look for .env file in project root
	envFiles := append(extra,
		".env",          // Current directory
		"../../.env",    // From cmd/paygate to project root
		"../../../.env", // Fallback for deeper nesting
	)

	var err error
	for _, envFile := range envFiles {
		if strings.TrimSpace(envFile) == "" {
			continue
		}
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return nil
		}
	}

	Env = map[string]string{}
	return errors.New("no .env file found in any of the expected locations")
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
