// Package config loads process configuration from environment variables
// (plus an optional .env file in development), using a double-underscore
// nested key convention: SECTION__FIELD.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
)

// Config holds every environment-driven setting this process needs.
type Config struct {
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	MaxBodyBytes    int64

	S3 objectstore.S3Config

	SendGridPublicKey string

	CompactionLeaseTTL     time.Duration
	CompactionRefreshEvery time.Duration

	RunCompactionOnStartup bool
}

// IsProduction reports whether GATEWAY__ENV names anything other than
// "development".
func (c *Config) IsProduction() bool {
	return c.Env != "development"
}

// Load reads and validates configuration. A ConfigInvalid error here is
// meant to be treated as a fatal startup error by main.
func Load() (*Config, error) {
	_ = godotenv.Load()

	publicKey := resolvePublicKeySynonym(getEnv("SENDGRID__PUBLICKEY", ""), getEnv("SENDGRID__VERIFICATIONKEY", ""))

	cfg := &Config{
		Addr:            getEnv("GATEWAY__ADDR", ":8080"),
		Env:             getEnv("GATEWAY__ENV", "development"),
		GracefulTimeout: getEnvDurationSeconds("GATEWAY__GRACEFULTIMEOUTSEC", 15),
		MaxBodyBytes:    int64(getEnvInt("GATEWAY__MAXBODYBYTES", 1*1024*1024)),

		S3: objectstore.S3Config{
			ServiceURL: getEnv("S3__SERVICEURL", ""),
			Region:     getEnv("S3__REGION", "us-east-1"),
			AccessKey:  getEnv("S3__ACCESSKEY", ""),
			SecretKey:  getEnv("S3__SECRETKEY", ""),
			BucketName: getEnv("S3__BUCKETNAME", ""),
		},

		SendGridPublicKey: publicKey,

		CompactionLeaseTTL:     getEnvDurationSeconds("COMPACTION__LEASESECONDS", 600),
		CompactionRefreshEvery: getEnvDurationSeconds("COMPACTION__REFRESHSECONDS", 180),

		RunCompactionOnStartup: getEnvBool("COMPACTION__RUNONSTARTUP", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.S3.ServiceURL == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "" || c.S3.BucketName == "" {
		return apperr.New(apperr.ConfigInvalid, "S3__SERVICEURL, S3__ACCESSKEY, S3__SECRETKEY and S3__BUCKETNAME are all required")
	}
	if c.IsProduction() && c.SendGridPublicKey == "" {
		return apperr.New(apperr.ConfigInvalid, "SENDGRID__PUBLICKEY (or SENDGRID__VERIFICATIONKEY) is required outside development")
	}
	return nil
}

// resolvePublicKeySynonym implements the documented first-present-wins
// rule between the two historical names for the same setting.
func resolvePublicKeySynonym(publicKey, verificationKey string) string {
	if publicKey != "" {
		return publicKey
	}
	return verificationKey
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDurationSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackSeconds)) * time.Second
}
