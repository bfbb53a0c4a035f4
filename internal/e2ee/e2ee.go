// Package e2ee seals message payloads before they enter the fan-out bus.
// Each message gets a fresh single-use symmetric key; the key itself is
// sealed to the recipient's public key. The server only ever sees the
// sealed triple.
package e2ee

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrNoPublicKey: sealing was attempted before the recipient's public
	// key was cached. Send is aborted, nothing is transmitted.
	ErrNoPublicKey = errors.New("e2ee: no public key for recipient")
	// ErrUnsealFailed: the sealed symmetric key does not match our private
	// key. No plaintext is ever returned on this path.
	ErrUnsealFailed = errors.New("e2ee: sealed key does not match private key")
	// ErrDecryptFailed: the symmetric open failed authentication.
	ErrDecryptFailed = errors.New("e2ee: message authentication failed")
)

const keySize = 32

var (
	randMu  sync.RWMutex
	randSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the randomness source for reproducible tests
// and returns a restore function.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

func randomSource() io.Reader {
	randMu.RLock()
	defer randMu.RUnlock()
	return randSrc
}

// Sealed is the wire triple for one encrypted message.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	SealedKey  []byte `json:"sealed_key"`
	Nonce      []byte `json:"nonce"`
}

// Box holds one principal's key material: an asymmetric pair whose private
// half never leaves this process, plus a registry of remote public keys.
// One Box per active user context — never shared between principals.
type Box struct {
	mu    sync.Mutex
	pub   *[32]byte
	priv  *[32]byte
	peers map[int64]*[32]byte
}

func NewBox() *Box {
	return &Box{peers: make(map[int64]*[32]byte)}
}

// ensureKeys lazily generates the asymmetric pair on first need.
func (b *Box) ensureKeys() error {
	if b.pub != nil {
		return nil
	}
	pub, priv, err := box.GenerateKey(randomSource())
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}
	b.pub, b.priv = pub, priv
	return nil
}

// PublicKey returns the public half for publication via the profile layer,
// generating the pair first if needed.
func (b *Box) PublicKey() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureKeys(); err != nil {
		return nil, err
	}
	out := make([]byte, keySize)
	copy(out, b.pub[:])
	return out, nil
}

// AddPeerKey caches a remote principal's public key.
func (b *Box) AddPeerKey(userID int64, pub []byte) error {
	if len(pub) != keySize {
		return fmt.Errorf("e2ee: bad public key length %d", len(pub))
	}
	var k [32]byte
	copy(k[:], pub)
	b.mu.Lock()
	b.peers[userID] = &k
	b.mu.Unlock()
	return nil
}

// Seal encrypts plaintext for one recipient: fresh symmetric key, random
// nonce, key sealed under the recipient's public key. Two seals of the same
// plaintext never produce the same ciphertext.
func (b *Box) Seal(plaintext []byte, recipientID int64) (Sealed, error) {
	b.mu.Lock()
	peer, ok := b.peers[recipientID]
	b.mu.Unlock()
	if !ok {
		return Sealed{}, fmt.Errorf("%w: user %d", ErrNoPublicKey, recipientID)
	}

	rng := randomSource()

	sym := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rng, sym); err != nil {
		return Sealed{}, fmt.Errorf("generate message key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(sym)
	if err != nil {
		return Sealed{}, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	sealedKey, err := box.SealAnonymous(nil, sym, peer, rng)
	if err != nil {
		return Sealed{}, fmt.Errorf("seal message key: %w", err)
	}

	return Sealed{Ciphertext: ciphertext, SealedKey: sealedKey, Nonce: nonce}, nil
}

// Open recovers the plaintext of a sealed message addressed to this Box.
// A sealed key that was not addressed to our public key fails with
// ErrUnsealFailed; a tampered ciphertext fails with ErrDecryptFailed.
func (b *Box) Open(s Sealed) ([]byte, error) {
	b.mu.Lock()
	err := b.ensureKeys()
	pub, priv := b.pub, b.priv
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sym, ok := box.OpenAnonymous(nil, s.SealedKey, pub, priv)
	if !ok || len(sym) != chacha20poly1305.KeySize {
		return nil, ErrUnsealFailed
	}
	if len(s.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryptFailed
	}

	aead, err := chacha20poly1305.New(sym)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
