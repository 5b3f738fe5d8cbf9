package oauth

import (
	"encoding/json"
	"time"

	"github.com/caarlos0/env/v11"
)

// Default grant lifetimes. Authorization codes are deliberately short-lived;
// a code only needs to survive the redirect back to the client.
const (
	DefaultAuthorizationCodeTTL    = 60 * time.Second
	DefaultPendingAuthorizationTTL = 15 * time.Minute
)

// Config describes the authorization engine configuration.
type Config struct {
	Issuer                  string
	Clients                 []Client
	AuthorizationCodeTTL    time.Duration
	PendingAuthorizationTTL time.Duration
}

// Client represents a registered OAuth client application.
type Client struct {
	ID           string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
	Name         string   `json:"client_name,omitempty"`
}

// oauthEnv holds raw env values for authorization engine configuration.
type oauthEnv struct {
	Issuer      string        `env:"AEGIS_OAUTH_ISSUER"`
	ClientsJSON string        `env:"AEGIS_OAUTH_CLIENTS"`
	CodeTTL     time.Duration `env:"AEGIS_OAUTH_CODE_TTL"    envDefault:"60s"`
	PendingTTL  time.Duration `env:"AEGIS_OAUTH_PENDING_TTL" envDefault:"15m"`
}

// LoadConfigFromEnv loads authorization engine configuration from
// environment variables.
func LoadConfigFromEnv() Config {
	var raw oauthEnv
	if err := env.Parse(&raw); err != nil {
		return Config{
			AuthorizationCodeTTL:    DefaultAuthorizationCodeTTL,
			PendingAuthorizationTTL: DefaultPendingAuthorizationTTL,
		}
	}

	var clients []Client
	if raw.ClientsJSON != "" {
		if err := json.Unmarshal([]byte(raw.ClientsJSON), &clients); err != nil {
			clients = nil
		}
	}

	return Config{
		Issuer:                  raw.Issuer,
		Clients:                 clients,
		AuthorizationCodeTTL:    raw.CodeTTL,
		PendingAuthorizationTTL: raw.PendingTTL,
	}
}
