// Package keyring manages signing key material and rotation.
//
// Keys form an append-only table with a single current pointer. Rotation adds
// a new current key and demotes the previous one to verify-only for a bounded
// window; keys are never deleted eagerly, so tokens signed under a superseded
// key keep verifying until that key's window closes. Private material never
// leaves the package except through the crypto.Signer returned by Current.
package keyring

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"aegis/internal/platform/id"
)

// DefaultVerifyWindow is how long a superseded key remains valid for
// verification after rotation.
const DefaultVerifyWindow = 24 * time.Hour

// VerificationKey is the public half of a signing key.
type VerificationKey struct {
	ID     string
	Public ed25519.PublicKey
}

// entry is one row of the append-only key table.
type entry struct {
	id        string
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	notBefore time.Time
	notAfter  time.Time // zero while the key is current
}

// Keyring holds the signing key table.
type Keyring struct {
	mu           sync.RWMutex
	keys         []entry
	verifyWindow time.Duration
	clock        func() time.Time
	idGenerator  func() (string, error)
}

// Config describes keyring construction parameters.
type Config struct {
	// VerifyWindow bounds how long superseded keys keep verifying.
	VerifyWindow time.Duration
	// Seed, when set, deterministically derives the initial key. Must be
	// ed25519.SeedSize bytes.
	Seed []byte
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
	// IDGenerator overrides key identifier generation.
	IDGenerator func() (string, error)
}

// New creates a keyring with a freshly generated current key.
func New(cfg Config) (*Keyring, error) {
	if cfg.VerifyWindow <= 0 {
		cfg.VerifyWindow = DefaultVerifyWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = id.NewID
	}

	k := &Keyring{
		verifyWindow: cfg.VerifyWindow,
		clock:        cfg.Clock,
		idGenerator:  cfg.IDGenerator,
	}

	var private ed25519.PrivateKey
	if len(cfg.Seed) > 0 {
		if len(cfg.Seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key seed must be %d bytes", ed25519.SeedSize)
		}
		private = ed25519.NewKeyFromSeed(cfg.Seed)
	} else {
		var err error
		_, private, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}

	keyID, err := cfg.IDGenerator()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	k.keys = append(k.keys, entry{
		id:        keyID,
		private:   private,
		public:    private.Public().(ed25519.PublicKey),
		notBefore: cfg.Clock().UTC(),
	})
	return k, nil
}

// Current returns the identifier and signer for the current signing key.
func (k *Keyring) Current() (string, crypto.Signer) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	current := k.keys[len(k.keys)-1]
	return current.id, current.private
}

// Rotate appends a new current key and demotes the previous one to
// verify-only. The demoted key keeps verifying until its window closes.
func (k *Keyring) Rotate() (VerificationKey, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return VerificationKey{}, fmt.Errorf("generate signing key: %w", err)
	}
	keyID, err := k.idGenerator()
	if err != nil {
		return VerificationKey{}, fmt.Errorf("generate key id: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock().UTC()
	previous := &k.keys[len(k.keys)-1]
	previous.notAfter = now.Add(k.verifyWindow)

	public := private.Public().(ed25519.PublicKey)
	k.keys = append(k.keys, entry{
		id:        keyID,
		private:   private,
		public:    public,
		notBefore: now,
	})
	return VerificationKey{ID: keyID, Public: public}, nil
}

// Snapshot captures the verification key set at a point in time. Verification
// reads the snapshot, not the live table, so concurrent rotation cannot
// change the key set mid-check.
func (k *Keyring) Snapshot() Snapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()

	now := k.clock().UTC()
	keys := make(map[string]ed25519.PublicKey, len(k.keys))
	for _, e := range k.keys {
		if !e.notAfter.IsZero() && !e.notAfter.After(now) {
			continue
		}
		keys[e.id] = e.public
	}
	return Snapshot{keys: keys}
}

// Snapshot is an immutable verification-key set.
type Snapshot struct {
	keys map[string]ed25519.PublicKey
}

// Lookup returns the public key for a key identifier.
func (s Snapshot) Lookup(keyID string) (ed25519.PublicKey, bool) {
	public, ok := s.keys[keyID]
	return public, ok
}

// Keys lists the verification keys in the snapshot.
func (s Snapshot) Keys() []VerificationKey {
	out := make([]VerificationKey, 0, len(s.keys))
	for keyID, public := range s.keys {
		out = append(out, VerificationKey{ID: keyID, Public: public})
	}
	return out
}
