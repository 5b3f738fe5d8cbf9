// Package aegisd wires and runs the identity daemon.
package aegisd

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"aegis/internal/audit"
	"aegis/internal/credential"
	"aegis/internal/keyring"
	"aegis/internal/mfa"
	"aegis/internal/oauth"
	"aegis/internal/platform/config"
	"aegis/internal/saml"
	"aegis/internal/service"
	"aegis/internal/session"
	"aegis/internal/storage/sqlite"
	"aegis/internal/token"
)

// Config holds aegisd command configuration.
type Config struct {
	DBPath       string
	ReapInterval time.Duration
}

// envConfig holds raw env values for daemon configuration.
type envConfig struct {
	Issuer        string        `env:"AEGIS_ISSUER"              envDefault:"https://aegis.local"`
	Audience      string        `env:"AEGIS_AUDIENCE"`
	SigningSeed   string        `env:"AEGIS_SIGNING_SEED"`
	VerifyWindow  time.Duration `env:"AEGIS_KEY_VERIFY_WINDOW"   envDefault:"24h"`
	AccessTTL     time.Duration `env:"AEGIS_ACCESS_TTL"          envDefault:"15m"`
	RefreshTTL    time.Duration `env:"AEGIS_REFRESH_TTL"         envDefault:"720h"`
	RPDisplayName string        `env:"AEGIS_WEBAUTHN_RP_NAME"`
	RPID          string        `env:"AEGIS_WEBAUTHN_RP_ID"`
	RPOrigins     []string      `env:"AEGIS_WEBAUTHN_RP_ORIGINS" envSeparator:","`
	SamlAudience  string        `env:"AEGIS_SAML_AUDIENCE"`
	SamlCertPath  string        `env:"AEGIS_SAML_IDP_CERT"`
	SamlClockSkew time.Duration `env:"AEGIS_SAML_CLOCK_SKEW"     envDefault:"90s"`
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		DBPath:       envOrDefault(lookup, []string{"AEGIS_DB_PATH"}, "aegis.db"),
		ReapInterval: time.Minute,
	}

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the SQLite database")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "How often expired grants and records are reaped")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the identity daemon and blocks until ctx is done.
func Run(ctx context.Context, cfg Config) error {
	var envcfg envConfig
	if err := config.ParseEnv(&envcfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	_, engine, challenges, err := wire(store, envcfg)
	if err != nil {
		return err
	}

	log.Printf("aegisd serving issuer %s, store %s", envcfg.Issuer, cfg.DBPath)

	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			reapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := engine.ReapExpired(reapCtx); err != nil {
				log.Printf("reap codes: %v", err)
			}
			if err := challenges.ReapExpired(reapCtx); err != nil {
				log.Printf("reap challenges: %v", err)
			}
			if err := store.DeleteExpiredReplayRecords(reapCtx, now.UTC()); err != nil {
				log.Printf("reap replay records: %v", err)
			}
			cancel()
		}
	}
}

// Wire builds the identity service graph from a store and environment
// configuration. It is exported for transports that embed the daemon.
func Wire(store *sqlite.Store, lookup EnvLookup) (*service.Service, error) {
	var envcfg envConfig
	if err := config.ParseEnv(&envcfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	svc, _, _, err := wire(store, envcfg)
	return svc, err
}

func wire(store *sqlite.Store, envcfg envConfig) (*service.Service, *oauth.Engine, *mfa.Coordinator, error) {
	seed, err := decodeSeed(envcfg.SigningSeed)
	if err != nil {
		return nil, nil, nil, err
	}
	keys, err := keyring.New(keyring.Config{
		VerifyWindow: envcfg.VerifyWindow,
		Seed:         seed,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build keyring: %w", err)
	}
	tokens, err := token.New(keys, token.Config{
		Issuer:     envcfg.Issuer,
		Audience:   envcfg.Audience,
		AccessTTL:  envcfg.AccessTTL,
		RefreshTTL: envcfg.RefreshTTL,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build token engine: %w", err)
	}

	emitter := audit.NewEmitter(store)
	sessions, err := session.New(store, tokens, emitter, session.Config{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build session registry: %w", err)
	}
	verifier, err := credential.New(store, store, credential.Config{
		RPDisplayName: envcfg.RPDisplayName,
		RPID:          envcfg.RPID,
		RPOrigins:     envcfg.RPOrigins,
		TOTPIssuer:    envcfg.Issuer,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build credential verifier: %w", err)
	}
	challenges, err := mfa.New(store, store, verifier, mfa.Config{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build challenge coordinator: %w", err)
	}
	engine, err := oauth.New(oauth.LoadConfigFromEnv(), store, sessions, emitter)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build authorization engine: %w", err)
	}

	var assertions *saml.Processor
	if envcfg.SamlCertPath != "" {
		certificate, err := loadCertificate(envcfg.SamlCertPath)
		if err != nil {
			return nil, nil, nil, err
		}
		audience := envcfg.SamlAudience
		if audience == "" {
			audience = envcfg.Issuer
		}
		assertions, err = saml.New(saml.Config{
			Audience:        audience,
			IDPCertificates: []*x509.Certificate{certificate},
			ClockSkew:       envcfg.SamlClockSkew,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("build assertion processor: %w", err)
		}
	}

	svc, err := service.New(service.Config{
		Principals:     store,
		Replay:         store,
		Verifier:       verifier,
		Challenges:     challenges,
		Sessions:       sessions,
		Assertions:     assertions,
		Authorizations: engine,
		Audit:          emitter,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build service: %w", err)
	}
	return svc, engine, challenges, nil
}

func decodeSeed(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return seed, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read idp certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("idp certificate %s is not PEM", path)
	}
	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse idp certificate: %w", err)
	}
	return certificate, nil
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
