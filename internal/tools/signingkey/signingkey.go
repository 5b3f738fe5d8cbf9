// Package signingkey generates ed25519 signing seeds for the keyring.
package signingkey

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
)

// Config holds configuration for signing seed generation.
type Config struct {
	Bytes int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: ed25519.SeedSize}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of seed bytes (must be 32)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the seed and writes it to out.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes != ed25519.SeedSize {
		return fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	if out == nil {
		return errors.New("output is required")
	}

	var seed []byte
	if reader != nil {
		seed = make([]byte, cfg.Bytes)
		if _, err := io.ReadFull(reader, seed); err != nil {
			return fmt.Errorf("read seed bytes: %w", err)
		}
	} else {
		_, private, err := ed25519.GenerateKey(nil)
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		seed = private.Seed()
	}

	_, err := fmt.Fprintf(out, "AEGIS_SIGNING_SEED=%s\n", base64.StdEncoding.EncodeToString(seed))
	return err
}
