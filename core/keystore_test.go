package core

import (
	"os"
	"path/filepath"
	"testing"
)

func testKDF() KDFParams {
	// Minimal cost so tests run fast; production defaults live in
	// pkg/config.
	return KDFParams{MemoryCost: 8 * 1024, TimeCost: 1, Parallelism: 1}
}

func TestKeystoreCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner.keystore")
	ks := NewKeystore(testKDF(), 3)

	_, priv, err := GenerateOwnerKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	if err := ks.Create(path, priv, "correct horse battery staple"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := ks.Open(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if *got != *priv {
		t.Fatalf("round-tripped key does not match original")
	}
}

func TestKeystoreWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner.keystore")
	ks := NewKeystore(testKDF(), 3)

	_, priv, _ := GenerateOwnerKeypair()
	if err := ks.Create(path, priv, "correct horse battery staple"); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := ks.Open(path, "wrong password entirely")
	if err == nil {
		t.Fatalf("expected error opening with wrong passphrase")
	}
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrKeystoreLocked {
		t.Fatalf("expected KeystoreLocked, got %v", err)
	}
}

func TestKeystoreMissingFile(t *testing.T) {
	ks := NewKeystore(testKDF(), 3)
	_, err := ks.Open(filepath.Join(t.TempDir(), "nope.keystore"), "whatever")
	if err == nil {
		t.Fatalf("expected error for missing keystore")
	}
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrKeystoreMissing {
		t.Fatalf("expected KeystoreMissing, got %v", err)
	}
}

func TestKeystoreCorruptFooterDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner.keystore")
	ks := NewKeystore(testKDF(), 3)

	_, priv, _ := GenerateOwnerKeypair()
	if err := ks.Create(path, priv, "correct horse battery staple"); err != nil {
		t.Fatalf("create: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = ks.Open(path, "correct horse battery staple")
	if err == nil {
		t.Fatalf("expected corruption to be detected")
	}
	se, ok := err.(*StorageError)
	if !ok || se.Kind != ErrKeystoreCorrupt {
		t.Fatalf("expected KeystoreCorrupt, got %v", err)
	}
}

func TestKeystoreDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "owner.keystore")
	ks := NewKeystore(testKDF(), 3)

	_, priv, _ := GenerateOwnerKeypair()
	if err := ks.Create(path, priv, "correct horse battery staple"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ks.Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ks.Open(path, "correct horse battery staple"); err == nil {
		t.Fatalf("expected open to fail after delete")
	}
}

func TestCheckPasswordStrengthRejectsWeak(t *testing.T) {
	cases := []string{"", "short", "aaaaaaaaaaaaaaaaaaaaaa"}
	for _, pw := range cases {
		if err := CheckPasswordStrength(pw); err == nil {
			t.Errorf("expected weak password %q to be rejected", pw)
		}
	}
	if err := CheckPasswordStrength("a very unusual passphrase 7!"); err != nil {
		t.Errorf("expected strong passphrase to pass, got %v", err)
	}
}
