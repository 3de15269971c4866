// Package cipher encrypts and decrypts parallel transfer chunks with the
// algorithm chosen during negotiation.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/internal/negotiation"
)

const secretSize = 32

// Buffer is one encrypted frame.
type Buffer struct {
	IV             []byte
	Ciphertext     []byte
	OriginalLength int
}

// Wrapper encrypts or decrypts chunks. When the session is not
// encrypting, the wrapper is an identity transform with the same API.
type Wrapper interface {
	Encrypt(plaintext []byte) (Buffer, error)
	Decrypt(buf Buffer) ([]byte, error)
	// Seal encrypts plaintext into its wire form, IV followed by ciphertext.
	Seal(plaintext []byte) ([]byte, error)
	// Open reverses Seal for a frame that carried plainLen bytes.
	Open(wire []byte, plainLen int) ([]byte, error)
	// SealedLen is the wire length of a frame carrying n plaintext bytes.
	SealedLen(n int) int
	// Active reports whether the wrapper transforms data.
	Active() bool
}

// New returns the wrapper for cfg. key is ignored unless cfg is encrypting.
func New(cfg negotiation.Configuration, key []byte) (Wrapper, error) {
	const op = "cipher.New"
	if !cfg.Encrypting() {
		return identity{}, nil
	}
	alg, ok := negotiation.LookupAlgorithm(cfg.EncryptionAlgorithm)
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unsupported algorithm %q", cfg.EncryptionAlgorithm))
	}
	if len(key) != cfg.KeySize || cfg.KeySize != alg.KeySize {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("key size %d, want %d", len(key), alg.KeySize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if cfg.IVSize != block.BlockSize() {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("iv size %d, want %d", cfg.IVSize, block.BlockSize()))
	}
	return &cbc{block: block}, nil
}

// TransferKey is the per-transfer symmetric key and the salt it was derived with.
type TransferKey struct {
	Key  []byte
	Salt []byte
}

// NewTransferKey derives a fresh key for one transfer. It returns a zero
// TransferKey when cfg is not encrypting.
func NewTransferKey(cfg negotiation.Configuration) (TransferKey, error) {
	if !cfg.Encrypting() {
		return TransferKey{}, nil
	}
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return TransferKey{}, fmt.Errorf("transfer key secret: %w", err)
	}
	saltSize := cfg.SaltSize
	if saltSize <= 0 {
		saltSize = negotiation.DefaultSaltSize
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return TransferKey{}, fmt.Errorf("transfer key salt: %w", err)
	}
	rounds := cfg.HashRounds
	if rounds <= 0 {
		rounds = negotiation.DefaultHashRounds
	}
	return TransferKey{
		Key:  pbkdf2.Key(secret, salt, rounds, cfg.KeySize, sha256.New),
		Salt: salt,
	}, nil
}

type identity struct{}

func (identity) Encrypt(plaintext []byte) (Buffer, error) {
	return Buffer{Ciphertext: plaintext, OriginalLength: len(plaintext)}, nil
}

func (identity) Decrypt(buf Buffer) ([]byte, error) {
	return buf.Ciphertext, nil
}

func (identity) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (identity) Open(wire []byte, plainLen int) ([]byte, error) {
	if len(wire) != plainLen {
		return nil, errors.E("cipher.Open", errors.Protocol, errors.Errorf("frame length %d, want %d", len(wire), plainLen))
	}
	return wire, nil
}

func (identity) SealedLen(n int) int { return n }
func (identity) Active() bool        { return false }

// cbc is AES in CBC mode with PKCS#7 padding and a fresh IV per frame.
type cbc struct {
	block stdcipher.Block
}

func (c *cbc) Active() bool { return true }

func (c *cbc) SealedLen(n int) int {
	bs := c.block.BlockSize()
	return bs + (n/bs+1)*bs
}

func (c *cbc) Encrypt(plaintext []byte) (Buffer, error) {
	bs := c.block.BlockSize()
	iv := make([]byte, bs)
	if _, err := rand.Read(iv); err != nil {
		return Buffer{}, fmt.Errorf("cipher iv: %w", err)
	}
	padded := pad(plaintext, bs)
	stdcipher.NewCBCEncrypter(c.block, iv).CryptBlocks(padded, padded)
	return Buffer{IV: iv, Ciphertext: padded, OriginalLength: len(plaintext)}, nil
}

func (c *cbc) Decrypt(buf Buffer) ([]byte, error) {
	const op = "cipher.Decrypt"
	bs := c.block.BlockSize()
	if len(buf.IV) != bs {
		return nil, errors.E(op, errors.Integrity, errors.Errorf("iv length %d", len(buf.IV)))
	}
	if len(buf.Ciphertext) == 0 || len(buf.Ciphertext)%bs != 0 {
		return nil, errors.E(op, errors.Integrity, errors.Errorf("ciphertext length %d is not a multiple of %d", len(buf.Ciphertext), bs))
	}
	out := make([]byte, len(buf.Ciphertext))
	stdcipher.NewCBCDecrypter(c.block, buf.IV).CryptBlocks(out, buf.Ciphertext)
	plain, err := unpad(out, bs)
	if err != nil {
		return nil, errors.E(op, errors.Integrity, err)
	}
	if len(plain) != buf.OriginalLength {
		return nil, errors.E(op, errors.Integrity, errors.Errorf("decrypted %d bytes, want %d", len(plain), buf.OriginalLength))
	}
	return plain, nil
}

func (c *cbc) Seal(plaintext []byte) ([]byte, error) {
	buf, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	wire := make([]byte, 0, len(buf.IV)+len(buf.Ciphertext))
	wire = append(wire, buf.IV...)
	return append(wire, buf.Ciphertext...), nil
}

func (c *cbc) Open(wire []byte, plainLen int) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(wire) != c.SealedLen(plainLen) {
		return nil, errors.E("cipher.Open", errors.Integrity, errors.Errorf("frame length %d, want %d", len(wire), c.SealedLen(plainLen)))
	}
	return c.Decrypt(Buffer{IV: wire[:bs], Ciphertext: wire[bs:], OriginalLength: plainLen})
}

func pad(b []byte, bs int) []byte {
	n := bs - len(b)%bs
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, bs int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.Str("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return nil, errors.Errorf("invalid padding length %d", n)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, errors.Str("invalid padding bytes")
		}
	}
	return b[:len(b)-n], nil
}
