package core

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	pub, priv, err := GenerateOwnerKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, params, err := Seal(plaintext, pub)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	got, err := Open(ciphertext, params, priv)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	pub, _, err := GenerateOwnerKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	_, otherPriv, err := GenerateOwnerKeypair()
	if err != nil {
		t.Fatalf("generate other keypair: %v", err)
	}

	ciphertext, params, err := Seal([]byte("secret payload"), pub)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	_, err = Open(ciphertext, params, otherPriv)
	if err == nil {
		t.Fatalf("expected error decrypting with wrong key")
	}
	var se *StorageError
	if !asStorageError(err, &se) || se.Kind != ErrCryptoFailure {
		t.Fatalf("expected CryptoFailure, got %v", err)
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	pub, priv, err := GenerateOwnerKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	ciphertext, params, err := Seal([]byte("tamper me"), pub)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	ciphertext[0] ^= 0xff

	if _, err := Open(ciphertext, params, priv); err == nil {
		t.Fatalf("expected tamper detection to fail open")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	data := []byte("identical bytes")
	if ContentHash(data) != ContentHash(append([]byte{}, data...)) {
		t.Fatalf("content hash must be deterministic over identical bytes")
	}
	if ContentHash(data) == ContentHash([]byte("different bytes")) {
		t.Fatalf("content hash collided for distinct inputs")
	}
}

// asStorageError is a small helper so tests can assert on Kind without
// importing errors.As at every call site.
func asStorageError(err error, target **StorageError) bool {
	se, ok := err.(*StorageError)
	if !ok {
		return false
	}
	*target = se
	return true
}
