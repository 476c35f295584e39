package web

import (
	"github.com/caarlos0/env/v11"
)

// Config controls the HTTP listener and cookie attributes.
type Config struct {
	Addr              string `env:"PASSKEYS_SPACE_LISTEN_HOST_PORT"     envDefault:"0.0.0.0:3000"`
	SessionCookieName string `env:"PASSKEYS_SPACE_SESSION_COOKIE_NAME"  envDefault:"session"`
	// CookiesSecure should only be disabled for plain-http local development.
	CookiesSecure bool `env:"PASSKEYS_SPACE_COOKIES_SECURE"       envDefault:"true"`
}

// LoadConfigFromEnv returns web configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			Addr:              "0.0.0.0:3000",
			SessionCookieName: "session",
			CookiesSecure:     true,
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = "0.0.0.0:3000"
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "session"
	}
	return cfg
}
