// Package config loads server and CLI settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/satriahrh/cosyvoice/server/adapters/cosyvoice"
	"github.com/satriahrh/cosyvoice/server/adapters/token"
	"github.com/satriahrh/cosyvoice/server/domain/entities"
)

const defaultPort = "8080"

// Config holds every setting read from the environment
type Config struct {
	Port string

	Endpoint    string
	AppKey      string
	AccessToken string

	AccessKeyID     string
	AccessKeySecret string
	MetaEndpoint    string
	RegionID        string

	MongoURI      string
	MongoDatabase string

	JWTSecret string

	Synthesis entities.SynthesisConfig
}

// Load reads .env if present and then the process environment
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment
func FromEnv() (*Config, error) {
	config := &Config{
		Port:            getEnv("PORT", defaultPort),
		Endpoint:        getEnv("COSYVOICE_ENDPOINT", cosyvoice.DefaultEndpoint),
		AppKey:          os.Getenv("ALIYUN_NLS_APP_KEY"),
		AccessToken:     os.Getenv("ALIYUN_NLS_ACCESS_TOKEN"),
		AccessKeyID:     os.Getenv("ALIYUN_AK_ID"),
		AccessKeySecret: os.Getenv("ALIYUN_AK_SECRET"),
		MetaEndpoint:    getEnv("ALIYUN_NLS_META_ENDPOINT", token.DefaultMetaEndpoint),
		RegionID:        getEnv("ALIYUN_REGION_ID", token.DefaultRegionID),
		MongoURI:        os.Getenv("MONGODB_URI"),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "cosyvoice"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
	}

	synthesis := entities.DefaultSynthesisConfig()
	if format := os.Getenv("COSYVOICE_FORMAT"); format != "" {
		synthesis.Format = entities.AudioFormat(format)
	}
	if voice := os.Getenv("COSYVOICE_VOICE"); voice != "" {
		synthesis.Voice = voice
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"COSYVOICE_SAMPLE_RATE", &synthesis.SampleRate},
		{"COSYVOICE_VOLUME", &synthesis.Volume},
		{"COSYVOICE_SPEECH_RATE", &synthesis.SpeechRate},
		{"COSYVOICE_PITCH_RATE", &synthesis.PitchRate},
	}
	for _, v := range ints {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", v.key, raw, err)
		}
		*v.target = n
	}
	config.Synthesis = synthesis

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the settings are usable together
func (c *Config) Validate() error {
	if c.AppKey == "" {
		return errors.New("ALIYUN_NLS_APP_KEY is required")
	}
	if (c.AccessKeyID == "") != (c.AccessKeySecret == "") {
		return errors.New("ALIYUN_AK_ID and ALIYUN_AK_SECRET must be set together")
	}
	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("invalid synthesis defaults: %w", err)
	}
	return nil
}

// UsesTokenService reports whether tokens are issued through CreateToken
// rather than taken from ALIYUN_NLS_ACCESS_TOKEN
func (c *Config) UsesTokenService() bool {
	return c.AccessKeyID != ""
}

// HasCredentials reports whether any way of obtaining a gateway token is configured
func (c *Config) HasCredentials() bool {
	return c.AccessToken != "" || c.UsesTokenService()
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
