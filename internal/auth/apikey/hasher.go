package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Hash algorithm constants.
const (
	HashAlgSHA256  = "sha256"
	HashAlgSHA512  = "sha512"
	HashAlgSHA3256 = "sha3-256"
)

// TokenPrefix marks tokens generated by keygate.
const TokenPrefix = "kg_"

// tokenBytes is the amount of randomness in a generated token.
const tokenBytes = 32

// Hasher maps a token to its hash index entry.
type Hasher interface {
	// Hash returns the hex digest of the token.
	Hash(token string) string

	// Algorithm returns the algorithm name.
	Algorithm() string
}

type digestHasher struct {
	name string
	new  func() hash.Hash
}

// NewHasher returns the hasher for the algorithm. An empty name selects
// sha256.
func NewHasher(algorithm string) (Hasher, error) {
	switch algorithm {
	case HashAlgSHA256, "":
		return &digestHasher{name: HashAlgSHA256, new: sha256.New}, nil
	case HashAlgSHA512:
		return &digestHasher{name: HashAlgSHA512, new: sha512.New}, nil
	case HashAlgSHA3256:
		return &digestHasher{name: HashAlgSHA3256, new: sha3.New256}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

func defaultHasher() Hasher {
	return &digestHasher{name: HashAlgSHA256, new: sha256.New}
}

// Hash implements Hasher.
func (h *digestHasher) Hash(token string) string {
	d := h.new()
	_, _ = io.WriteString(d, token)
	return hex.EncodeToString(d.Sum(nil))
}

// Algorithm implements Hasher.
func (h *digestHasher) Algorithm() string {
	return h.name
}

// GenerateToken returns a prefixed hex token built from 256 random bits read
// from r. A nil reader uses crypto/rand.
func GenerateToken(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// newKeyID returns a time-ordered record identifier.
func newKeyID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key id: %w", err)
	}
	return id.String(), nil
}
