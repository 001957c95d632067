// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encrypt protects proof secrets and transaction details at rest.
// The state machines treat it as an opaque capability.
package encrypt

import (
	"crypto/rand"
	"fmt"
	"runtime"

	"cashport.org/cashport/pay/encode"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"
)

// Crypter is an interface for an encryption key and encryption/decryption
// algorithms. Create a Crypter with the NewCrypter function.
type Crypter interface {
	// Encrypt encrypts the plaintext.
	Encrypt(b []byte) ([]byte, error)
	// Decrypt decrypts the ciphertext created by Encrypt.
	Decrypt(b []byte) ([]byte, error)
	// DecryptBatch decrypts a batch of ciphertexts created by Encrypt.
	DecryptBatch(bs [][]byte) ([][]byte, error)
	// Serialize serializes the Crypter. Use the Deserialize function to
	// recreate it. Deserializing requires the password used to create the
	// Crypter.
	Serialize() []byte
	// Close zeros the encryption key. The Crypter is useless after closing.
	Close()
}

const (
	// defaultTime is the default time parameter for argon2id key derivation.
	defaultTime = 1
	// defaultMem is the default memory parameter for argon2id key
	// derivation.
	defaultMem = 64 * 1024
	// KeySize is the size of the encryption key.
	KeySize = 32
	// SaltSize is the size of the argon2id salt.
	SaltSize = 16

	crypterVersion = 0
	// serialized layout: version(1) salt(16) time(4) memory(4) threads(1)
	// tag(16)
	serializedLen = 1 + SaltSize + 4 + 4 + 1 + poly1305.TagSize
)

// Key is 32 bytes.
type Key [KeySize]byte

// Salt is randomness used as part of key derivation.
type Salt [SaltSize]byte

func newSalt() Salt {
	var s Salt
	_, err := rand.Read(s[:])
	if err != nil {
		panic("newSalt: " + err.Error())
	}
	return s
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

// crypter is an encryption algorithm based on argon2id for key derivation
// and xchacha20poly1305 for symmetric encryption. The poly1305 tag over the
// serialized parameters authenticates the password on Deserialize.
type crypter struct {
	key    Key
	tag    [poly1305.TagSize]byte
	salt   Salt
	params argonParams
}

// NewCrypter derives an encryption key from a password string.
func NewCrypter(pw string) Crypter {
	salt := newSalt()
	params := argonParams{
		time:    defaultTime,
		memory:  defaultMem,
		threads: uint8(runtime.NumCPU()),
	}
	return newCrypter(pw, salt, params)
}

func newCrypter(pw string, salt Salt, params argonParams) *crypter {
	// The argon2id output is split in two. The first 32 bytes are the
	// encryption key, the second 32 bytes key the password authenticator.
	keyB := argon2.IDKey([]byte(pw), salt[:], params.time, params.memory,
		params.threads, KeySize*2)

	c := &crypter{salt: salt, params: params}
	copy(c.key[:], keyB[:KeySize])

	var polyKey [KeySize]byte
	copy(polyKey[:], keyB[KeySize:])
	poly1305.Sum(&c.tag, c.serializeParams(), &polyKey)
	return c
}

// Deserialize deserializes the Crypter for the password. An incorrect
// password is detected via the poly1305 authenticator.
func Deserialize(pw string, b []byte) (Crypter, error) {
	if len(b) != serializedLen {
		return nil, fmt.Errorf("expected %d serialized bytes, got %d", serializedLen, len(b))
	}
	if b[0] != crypterVersion {
		return nil, fmt.Errorf("unknown Crypter version %d", b[0])
	}
	var salt Salt
	copy(salt[:], b[1:1+SaltSize])
	off := 1 + SaltSize
	params := argonParams{
		time:    encode.BytesToUint32(b[off : off+4]),
		memory:  encode.BytesToUint32(b[off+4 : off+8]),
		threads: b[off+8],
	}
	c := newCrypter(pw, salt, params)
	var tag [poly1305.TagSize]byte
	copy(tag[:], b[off+9:])
	if tag != c.tag {
		return nil, fmt.Errorf("incorrect password")
	}
	return c, nil
}

// Encrypt encrypts the plaintext. The output is nonce || ciphertext.
func (c *crypter) Encrypt(plainText []byte) ([]byte, error) {
	boxer, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("aead error: %v", err)
	}
	nonce := encode.RandomBytes(boxer.NonceSize())
	return boxer.Seal(nonce, nonce, plainText, nil), nil
}

// Decrypt decrypts the ciphertext created by Encrypt.
func (c *crypter) Decrypt(encrypted []byte) ([]byte, error) {
	boxer, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("aead error: %v", err)
	}
	if len(encrypted) < boxer.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, cipherText := encrypted[:boxer.NonceSize()], encrypted[boxer.NonceSize():]
	plainText, err := boxer.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("aead.Open: %v", err)
	}
	return plainText, nil
}

// DecryptBatch decrypts each ciphertext, failing on the first error.
func (c *crypter) DecryptBatch(encrypted [][]byte) ([][]byte, error) {
	out := make([][]byte, 0, len(encrypted))
	for i, b := range encrypted {
		plainText, err := c.Decrypt(b)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		out = append(out, plainText)
	}
	return out, nil
}

// Serialize serializes the crypter.
func (c *crypter) Serialize() []byte {
	return append(c.serializeParams(), c.tag[:]...)
}

func (c *crypter) serializeParams() []byte {
	b := make([]byte, 0, serializedLen-poly1305.TagSize)
	b = append(b, crypterVersion)
	b = append(b, c.salt[:]...)
	b = append(b, encode.Uint32Bytes(c.params.time)...)
	b = append(b, encode.Uint32Bytes(c.params.memory)...)
	b = append(b, c.params.threads)
	return b
}

// Close zeros the key. The crypter is useless after closing.
func (c *crypter) Close() {
	for i := range c.key {
		c.key[i] = 0
	}
}
