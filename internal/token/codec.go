// Package token seals admission claims into opaque, versioned tokens.
//
// A v1 token is laid out as
//
//	[version 0x01][24-byte XChaCha20 nonce][ciphertext + 16-byte Poly1305 tag]
//
// The version byte is passed as additional data to the AEAD, so it cannot be
// altered without failing authentication. The plaintext is the CBOR encoding
// of models.Claims.
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"ticket-admission/internal/clock"
	"ticket-admission/internal/status"
	"ticket-admission/models"
)

const (
	Version1 byte = 0x01

	// MinSecretSize is the shortest process secret accepted by NewCodec.
	MinSecretSize = 32

	DefaultValidity = 24 * time.Hour

	headerSize = 1 + chacha20poly1305.NonceSizeX
	// Overhead is the number of bytes a token adds on top of its plaintext.
	Overhead = headerSize + chacha20poly1305.Overhead
)

var (
	hkdfInfoToken       = []byte("ticket-admission.token.v1")
	hkdfInfoFingerprint = []byte("ticket-admission.fingerprint.v1")
)

type Codec struct {
	// aeads holds the primary key first, followed by decrypt-only keys.
	aeads    []cipher.AEAD
	fpKey    []byte
	validity time.Duration
	clock    clock.Clock

	previous [][]byte
}

type Option func(*Codec)

func WithValidity(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.validity = d
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Codec) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithPreviousSecrets keeps tokens sealed under rotated-out secrets decodable.
// They are never used for sealing or fingerprinting.
func WithPreviousSecrets(secrets ...[]byte) Option {
	return func(c *Codec) {
		c.previous = append(c.previous, secrets...)
	}
}

func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	c := &Codec{
		validity: DefaultValidity,
		clock:    clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i, s := range append([][]byte{secret}, c.previous...) {
		if len(s) < MinSecretSize {
			return nil, fmt.Errorf("token: secret %d is %d bytes, need at least %d", i, len(s), MinSecretSize)
		}
		key, err := deriveKey(s, hkdfInfoToken)
		if err != nil {
			return nil, err
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("token: creating cipher: %w", err)
		}
		c.aeads = append(c.aeads, aead)
	}
	c.previous = nil

	fpKey, err := deriveKey(secret, hkdfInfoFingerprint)
	if err != nil {
		return nil, err
	}
	c.fpKey = fpKey

	return c, nil
}

func (c *Codec) Validity() time.Duration {
	return c.validity
}

// Encode seals claims under the primary key with a fresh random nonce.
func (c *Codec) Encode(claims models.Claims) ([]byte, error) {
	plaintext, err := encMode.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("token: encoding claims: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = Version1
	nonce := out[1:headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("token: generating nonce: %w", err)
	}

	return c.aeads[0].Seal(out, nonce, plaintext, out[:1]), nil
}

// Decode authenticates and parses a token. ErrTokenExpired is returned
// together with the decoded claims so callers can still identify the ticket.
func (c *Codec) Decode(data []byte) (models.Claims, error) {
	if len(data) == 0 {
		return models.Claims{}, fmt.Errorf("%w: empty token", status.ErrMalformedToken)
	}
	if data[0] != Version1 {
		return models.Claims{}, fmt.Errorf("%w: 0x%02x", status.ErrUnsupportedVersion, data[0])
	}
	if len(data) < Overhead {
		return models.Claims{}, fmt.Errorf("%w: %d bytes is shorter than the %d byte minimum",
			status.ErrMalformedToken, len(data), Overhead)
	}

	aad := data[:1]
	nonce := data[1:headerSize]
	ciphertext := data[headerSize:]

	var plaintext []byte
	opened := false
	for _, aead := range c.aeads {
		pt, err := aead.Open(nil, nonce, ciphertext, aad)
		if err == nil {
			plaintext, opened = pt, true
			break
		}
	}
	if !opened {
		return models.Claims{}, status.ErrTokenTampered
	}

	var claims models.Claims
	if err := decMode.Unmarshal(plaintext, &claims); err != nil {
		return models.Claims{}, fmt.Errorf("%w: %v", status.ErrMalformedToken, err)
	}
	if claims.TicketID == "" || claims.EventID == "" {
		return models.Claims{}, fmt.Errorf("%w: missing ticket or event id", status.ErrMalformedToken)
	}

	if c.clock.Now().After(claims.IssuedTime().Add(c.validity)) {
		return claims, status.ErrTokenExpired
	}
	return claims, nil
}

// EncodeString returns the token as unpadded base64url, suitable for QR
// payloads and JSON bodies.
func (c *Codec) EncodeString(claims models.Claims) (string, error) {
	raw, err := c.Encode(claims)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (c *Codec) DecodeString(s string) (models.Claims, error) {
	raw, err := ParseString(s)
	if err != nil {
		return models.Claims{}, err
	}
	return c.Decode(raw)
}

// ParseString returns the raw token bytes of a string form token.
func ParseString(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrMalformedToken, err)
	}
	return raw, nil
}

func deriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("token: deriving key: %w", err)
	}
	return key, nil
}
