package reseed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/tinyrange/vmgenid/internal/genid"
)

const (
	drbgInfo     = "vmgenid drbg"
	drbgSeedSize = 32
	drbgKeySize  = chacha20.KeySize + chacha20.NonceSize
)

// DRBG is a ChaCha20 generator rekeyed from fresh entropy and the
// generation ID on every change. The key is replaced after every Read so
// earlier output cannot be recovered from later state.
type DRBG struct {
	mu         sync.Mutex
	entropy    io.Reader
	cipher     *chacha20.Cipher
	generation uint64
	reseeds    uint64
}

// NewDRBG seeds a generator. entropy defaults to crypto/rand.
func NewDRBG(entropy io.Reader) (*DRBG, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	d := &DRBG{entropy: entropy}
	if err := d.rekey(genid.Event{}); err != nil {
		return nil, err
	}
	d.reseeds = 0
	return d, nil
}

func (d *DRBG) Name() string { return "drbg" }

// Notify implements genid.Consumer.
func (d *DRBG) Notify(_ context.Context, ev genid.Event) error {
	return d.Reseed(ev)
}

// Reseed derives a new key from fresh entropy, the generation ID and the
// generation counter.
func (d *DRBG) Reseed(ev genid.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rekey(ev)
}

func (d *DRBG) rekey(ev genid.Event) error {
	ikm := make([]byte, drbgSeedSize, drbgSeedSize+genid.GUIDSize)
	if _, err := io.ReadFull(d.entropy, ikm); err != nil {
		return fmt.Errorf("reseed: read entropy: %w", err)
	}
	ikm = append(ikm, ev.GUID[:]...)

	salt := binary.BigEndian.AppendUint64(nil, ev.Generation)
	material := make([]byte, drbgKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(drbgInfo)), material); err != nil {
		return fmt.Errorf("reseed: derive key: %w", err)
	}
	if err := d.setKey(material); err != nil {
		return err
	}
	d.generation = ev.Generation
	d.reseeds++
	return nil
}

func (d *DRBG) setKey(material []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
	if err != nil {
		return fmt.Errorf("reseed: %w", err)
	}
	clear(material)
	d.cipher = c
	return nil
}

// Read fills p with keystream.
func (d *DRBG) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(p)
	d.cipher.XORKeyStream(p, p)

	next := make([]byte, drbgKeySize)
	d.cipher.XORKeyStream(next, next)
	if err := d.setKey(next); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Generation returns the generation the current key was derived for.
func (d *DRBG) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Reseeds counts reseeds since construction.
func (d *DRBG) Reseeds() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reseeds
}
