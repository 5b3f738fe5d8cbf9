package keyring

import (
	"crypto/ed25519"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCurrentSignsAndVerifies(t *testing.T) {
	k, err := New(Config{})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	keyID, signer := k.Current()
	if keyID == "" {
		t.Fatal("expected key id")
	}
	if signer == nil {
		t.Fatal("expected signer")
	}
	if _, ok := k.Snapshot().Lookup(keyID); !ok {
		t.Fatal("expected current key in snapshot")
	}
}

func TestRotateKeepsPreviousKeyVerifiable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	k, err := New(Config{VerifyWindow: time.Hour, Clock: func() time.Time { return clock }})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	oldID, _ := k.Current()

	rotated, err := k.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	newID, _ := k.Current()
	if newID != rotated.ID {
		t.Fatalf("current key = %q, want rotated key %q", newID, rotated.ID)
	}
	if newID == oldID {
		t.Fatal("expected rotation to change the current key")
	}

	snap := k.Snapshot()
	if _, ok := snap.Lookup(oldID); !ok {
		t.Fatal("expected superseded key to stay verifiable inside its window")
	}
	if _, ok := snap.Lookup(newID); !ok {
		t.Fatal("expected new key in snapshot")
	}

	// Past the verify window the superseded key disappears from snapshots.
	clock = now.Add(2 * time.Hour)
	snap = k.Snapshot()
	if _, ok := snap.Lookup(oldID); ok {
		t.Fatal("expected superseded key to expire from snapshots")
	}
	if _, ok := snap.Lookup(newID); !ok {
		t.Fatal("expected current key to survive")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	k, err := New(Config{})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	before := k.Snapshot()
	if _, err := k.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(before.Keys()) != 1 {
		t.Fatalf("expected snapshot taken before rotation to hold 1 key, got %d", len(before.Keys()))
	}
	if len(k.Snapshot().Keys()) != 2 {
		t.Fatalf("expected 2 keys after rotation, got %d", len(k.Snapshot().Keys()))
	}
}

func TestNewFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := New(Config{Seed: seed, Clock: fixedClock(time.Unix(0, 0))})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	b, err := New(Config{Seed: seed, Clock: fixedClock(time.Unix(0, 0))})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	_, sa := a.Current()
	_, sb := b.Current()
	pa := sa.Public().(ed25519.PublicKey)
	pb := sb.Public().(ed25519.PublicKey)
	if !pa.Equal(pb) {
		t.Fatal("expected the same seed to derive the same key")
	}
}

func TestNewRejectsBadSeed(t *testing.T) {
	if _, err := New(Config{Seed: []byte("short")}); err == nil {
		t.Fatal("expected error for undersized seed")
	}
}
