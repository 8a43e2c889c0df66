package core

// Keystore persists a file owner's X25519 private key to disk, wrapped
// behind a password-derived key so the key material is never written in
// the clear. The on-disk format is a fixed header (scheme + KDF
// parameters + salt), an AEAD-sealed body (the private key), and a footer
// checksum so a truncated or corrupted file is caught on load rather than
// silently misread.

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	crand "crypto/rand"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"quorumfs/pkg/utils"
)

const (
	keystoreMagic   uint32 = 0x51464b53 // "QFKS"
	keystoreVersion uint8  = 1
	keystoreSaltLen        = 16
)

// KDFParams controls the cost of the Argon2id key derivation used to turn a
// password into the AEAD key that wraps a private key on disk.
type KDFParams struct {
	MemoryCost  uint32
	TimeCost    uint32
	Parallelism uint8
}

// Keystore writes and reads password-protected private key files.
type Keystore struct {
	kdf          KDFParams
	deletePasses int
}

// NewKeystore builds a Keystore from the KDF cost parameters and secure
// delete pass count configured for this node.
func NewKeystore(kdf KDFParams, deletePasses int) *Keystore {
	if deletePasses < 1 {
		deletePasses = 1
	}
	return &Keystore{kdf: kdf, deletePasses: deletePasses}
}

// Create wraps priv behind password and writes it to path with 0600
// permissions, failing if a strength check rejects the password.
func (k *Keystore) Create(path string, priv *[32]byte, password string) error {
	if err := CheckPasswordStrength(password); err != nil {
		return err
	}

	salt := make([]byte, keystoreSaltLen)
	if _, err := crand.Read(salt); err != nil {
		return &StorageError{Kind: ErrCryptoFailure, Err: err}
	}

	key := argon2.IDKey([]byte(password), salt, k.kdf.TimeCost, k.kdf.MemoryCost, k.kdf.Parallelism, chacha20poly1305.KeySize)
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return &StorageError{Kind: ErrCryptoFailure, Err: err}
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := crand.Read(nonce); err != nil {
		return &StorageError{Kind: ErrCryptoFailure, Err: err}
	}
	sealed := aead.Seal(nil, nonce, priv[:], nil)

	var buf bytes.Buffer
	header := keystoreHeader{
		Magic:       keystoreMagic,
		Version:     keystoreVersion,
		MemoryCost:  k.kdf.MemoryCost,
		TimeCost:    k.kdf.TimeCost,
		Parallelism: k.kdf.Parallelism,
	}
	copy(header.Salt[:], salt)
	copy(header.Nonce[:], nonce)
	if err := binary.Write(&buf, binary.BigEndian, header); err != nil {
		return utils.Wrap(err, "encode keystore header")
	}
	buf.Write(sealed)
	footer := ContentHash(buf.Bytes())
	buf.Write(footer[:])

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return utils.Wrap(err, "write keystore file")
	}
	return nil
}

// Open reads and unwraps the private key stored at path. It returns
// KeystoreMissing if the file does not exist, KeystoreCorrupt if the footer
// checksum does not match or the header is malformed, and KeystoreLocked if
// the password does not open the AEAD seal.
func (k *Keystore) Open(path string, password string) (*[32]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &StorageError{Kind: ErrKeystoreMissing, Err: err}
		}
		return nil, utils.Wrap(err, "read keystore file")
	}

	const footerLen = 32
	if len(raw) < footerLen {
		return nil, &StorageError{Kind: ErrKeystoreCorrupt, Err: fmt.Errorf("file too short")}
	}
	body, footer := raw[:len(raw)-footerLen], raw[len(raw)-footerLen:]
	wantFooter := ContentHash(body)
	if !bytes.Equal(footer, wantFooter[:]) {
		return nil, &StorageError{Kind: ErrKeystoreCorrupt, Err: fmt.Errorf("footer checksum mismatch")}
	}

	r := bytes.NewReader(body)
	var header keystoreHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, &StorageError{Kind: ErrKeystoreCorrupt, Err: err}
	}
	if header.Magic != keystoreMagic {
		return nil, &StorageError{Kind: ErrKeystoreCorrupt, Err: fmt.Errorf("bad magic")}
	}

	sealed, err := io.ReadAll(r)
	if err != nil {
		return nil, &StorageError{Kind: ErrKeystoreCorrupt, Err: err}
	}

	key := argon2.IDKey([]byte(password), header.Salt[:], header.TimeCost, header.MemoryCost, header.Parallelism, chacha20poly1305.KeySize)
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &StorageError{Kind: ErrCryptoFailure, Err: err}
	}
	plain, err := aead.Open(nil, header.Nonce[:], sealed, nil)
	if err != nil {
		return nil, &StorageError{Kind: ErrKeystoreLocked, Err: err}
	}
	if len(plain) != 32 {
		return nil, &StorageError{Kind: ErrKeystoreCorrupt, Err: fmt.Errorf("unexpected key length %d", len(plain))}
	}

	var priv [32]byte
	copy(priv[:], plain)
	Wipe(plain)
	return &priv, nil
}

// Delete overwrites path with deletePasses rounds of random bytes before
// unlinking it, returning BestEffortDeletion if the overwrite passes could
// not all be completed even though the file was eventually removed.
func (k *Keystore) Delete(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return utils.Wrap(err, "open keystore file for deletion")
	}

	info, statErr := f.Stat()
	var overwriteErr error
	if statErr == nil {
		size := info.Size()
		buf := make([]byte, size)
		for pass := 0; pass < k.deletePasses; pass++ {
			if _, err := crand.Read(buf); err != nil {
				overwriteErr = err
				break
			}
			if _, err := f.WriteAt(buf, 0); err != nil {
				overwriteErr = err
				break
			}
			if err := f.Sync(); err != nil {
				overwriteErr = err
				break
			}
		}
	} else {
		overwriteErr = statErr
	}
	_ = f.Close()

	if err := os.Remove(path); err != nil {
		return utils.Wrap(err, "remove keystore file")
	}
	if overwriteErr != nil {
		return &StorageError{Kind: ErrBestEffortDeletion, Err: overwriteErr}
	}
	return nil
}

type keystoreHeader struct {
	Magic       uint32
	Version     uint8
	MemoryCost  uint32
	TimeCost    uint32
	Parallelism uint8
	Salt        [keystoreSaltLen]byte
	Nonce       [chacha20poly1305.NonceSizeX]byte
}

// CheckPasswordStrength rejects passwords whose Shannon entropy falls below
// a usable threshold, catching short or low-variety passwords without
// maintaining a dictionary of forbidden strings.
func CheckPasswordStrength(password string) error {
	const minBits = 40.0
	if len(password) < 8 {
		return &StorageError{Kind: ErrCryptoFailure, Err: fmt.Errorf("password shorter than 8 characters")}
	}
	bits := shannonEntropyBits(password)
	if bits < minBits {
		return &StorageError{Kind: ErrCryptoFailure, Err: fmt.Errorf("password entropy %.1f bits below minimum %.1f", bits, minBits)}
	}
	return nil
}

func shannonEntropyBits(s string) float64 {
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var entropyPerChar float64
	for _, c := range counts {
		p := float64(c) / n
		entropyPerChar -= p * math.Log2(p)
	}
	return entropyPerChar * n
}

// Wipe zeroes a byte slice in-place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
