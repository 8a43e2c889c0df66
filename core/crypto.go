package core

// Hybrid asymmetric encryption for file payloads. Each file gets a fresh
// ephemeral X25519 keypair; box.Seal derives the shared secret with the
// owner's public key via curve25519 and authenticates the ciphertext with
// XSalsa20-Poly1305. The ephemeral public key and nonce travel alongside the
// ciphertext in CryptoParams so any holder of the owner's private key can
// recover the same shared secret and open the box.

import (
	crand "crypto/rand"

	"golang.org/x/crypto/nacl/box"
	"lukechampine.com/blake3"

	"quorumfs/pkg/utils"
)

const cryptoSchemeX25519XSalsa20Poly1305 = "x25519-xsalsa20poly1305"

// GenerateOwnerKeypair creates a new X25519 keypair for a file owner. The
// private half belongs in the keystore; the public half is published in
// every manifest the owner creates.
func GenerateOwnerKeypair() (pub, priv *[32]byte, err error) {
	pub, priv, err = box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, nil, utils.Wrap(err, "generate owner keypair")
	}
	return pub, priv, nil
}

// Seal encrypts plaintext for ownerPub, returning the ciphertext and the
// CryptoParams a decryptor needs. A fresh ephemeral keypair and nonce are
// generated per call; nothing about them is reused across files.
func Seal(plaintext []byte, ownerPub *[32]byte) ([]byte, CryptoParams, error) {
	ephPub, ephPriv, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, CryptoParams{}, &StorageError{Kind: ErrCryptoFailure, Err: err}
	}
	var nonce [24]byte
	if _, err := crand.Read(nonce[:]); err != nil {
		return nil, CryptoParams{}, &StorageError{Kind: ErrCryptoFailure, Err: err}
	}
	ciphertext := box.Seal(nil, plaintext, &nonce, ownerPub, ephPriv)
	params := CryptoParams{
		Scheme:       cryptoSchemeX25519XSalsa20Poly1305,
		EphemeralPub: *ephPub,
		Nonce:        nonce,
	}
	return ciphertext, params, nil
}

// Open decrypts ciphertext produced by Seal using the owner's private key
// and the CryptoParams recorded in the file's manifest. It returns
// CryptoFailure if authentication fails, which covers both a wrong key and
// tampered ciphertext.
func Open(ciphertext []byte, params CryptoParams, ownerPriv *[32]byte) ([]byte, error) {
	if params.Scheme != cryptoSchemeX25519XSalsa20Poly1305 {
		return nil, &StorageError{Kind: ErrCryptoFailure, Err: errUnsupportedScheme, Fields: map[string]any{"scheme": params.Scheme}}
	}
	plaintext, ok := box.Open(nil, ciphertext, &params.Nonce, &params.EphemeralPub, ownerPriv)
	if !ok {
		return nil, &StorageError{Kind: ErrCryptoFailure, Err: errBoxAuthFailed}
	}
	return plaintext, nil
}

// ContentHash returns the BLAKE3-256 digest used throughout the system as a
// shard address, a manifest file ID, and a plaintext integrity check.
func ContentHash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

var (
	errUnsupportedScheme = storageErrString("unsupported crypto scheme")
	errBoxAuthFailed     = storageErrString("box authentication failed")
)

type storageErrString string

func (e storageErrString) Error() string { return string(e) }
