package internal

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/hbomb79/Scribe/internal/api"
	"github.com/hbomb79/Scribe/internal/database"
	"github.com/hbomb79/Scribe/internal/scheduler"
	"github.com/hbomb79/Scribe/internal/selfcare"
	"github.com/hbomb79/Scribe/internal/transcriber"
)

// ScribeConfig is the struct used to contain the various user config
// supplied by file or environment.
type ScribeConfig struct {
	Scheduler scheduler.Config          `yaml:"scheduler"`
	Whisper   transcriber.WhisperConfig `yaml:"whisper"`
	Database  database.DatabaseConfig   `yaml:"database"`
	Rest      api.RestConfig            `yaml:"api"`
	SelfCare  selfcare.Config           `yaml:"self_care"`

	LogLevel     string        `yaml:"log" env:"log" env-default:"warn"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT" env-default:"2m"`
	SyncInterval time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL" env-default:"30s"`
}

// LoadFromFile loads a YAML configuration file in to a ScribeConfig,
// overlaying any recognised environment variables on top.
func (config *ScribeConfig) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}

// LoadFromEnv populates the config purely from environment variables.
func (config *ScribeConfig) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(config); err != nil {
		return fmt.Errorf("failed to load configuration - %v", err.Error())
	}

	return nil
}
