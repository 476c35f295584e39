package ceremony

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/louisbranch/passkeys.space/internal/platform/branding"
)

// Config controls WebAuthn relying party settings and ceremony lifetime.
type Config struct {
	RPDisplayName string        `env:"PASSKEYS_SPACE_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"PASSKEYS_SPACE_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"PASSKEYS_SPACE_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	// CeremonyTTL bounds the gap between a start and its finish call. State
	// older than this is treated as expired even if the session is alive.
	CeremonyTTL time.Duration `env:"PASSKEYS_SPACE_WEBAUTHN_CEREMONY_TTL"    envDefault:"5m"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: branding.AppName,
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8086"},
			CeremonyTTL:   5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = branding.AppName
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8086"}
	}
	if cfg.CeremonyTTL <= 0 {
		cfg.CeremonyTTL = 5 * time.Minute
	}
	return cfg
}
