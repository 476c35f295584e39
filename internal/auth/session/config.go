package session

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls session lifetime and maintenance.
type Config struct {
	// Ceiling is the maximum session lifetime granted by a single write.
	// Every roll restarts the clock from now, never beyond now+Ceiling.
	Ceiling time.Duration `env:"PASSKEYS_SPACE_SESSION_CEILING"           envDefault:"24h"`
	// MinRollInterval throttles expiry rewrites so active clients do not
	// turn every request into a session write.
	MinRollInterval time.Duration `env:"PASSKEYS_SPACE_SESSION_MIN_ROLL_INTERVAL" envDefault:"1m"`
	// PurgeInterval is how often expired rows are deleted in the background.
	PurgeInterval time.Duration `env:"PASSKEYS_SPACE_SESSION_PURGE_INTERVAL"    envDefault:"50s"`
}

// LoadConfigFromEnv returns session configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			Ceiling:         24 * time.Hour,
			MinRollInterval: time.Minute,
			PurgeInterval:   50 * time.Second,
		}
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 24 * time.Hour
	}
	if cfg.MinRollInterval <= 0 {
		cfg.MinRollInterval = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 50 * time.Second
	}
	return cfg
}
