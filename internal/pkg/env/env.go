package env

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Env holds the values read from the .env file. Process environment
// variables fill in whatever the file leaves out.
var Env map[string]string

// candidate .env locations, relative to the binary's working directory
var envFiles = []string{".env", "../../.env", "../../../.env"}

func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetInt returns def when key is unset or not an integer.
func GetInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}

func GetBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(GetEnv(key, "")))
	if err != nil {
		return def
	}
	return v
}

func SetupEnvFile() {
	for _, f := range envFiles {
		values, err := godotenv.Read(f)
		if err == nil {
			Env = values
			return
		}
	}
	Env = map[string]string{}
	log.Printf("[Env] No .env file found, using process environment only")
}
