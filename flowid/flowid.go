// Package flowid provides request correlation id generators. The proxy
// tags every forwarded request with an X-Flow-Id header when the client
// did not send one, so a request can be followed through the access log
// and the upstream's own logs.
package flowid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
)

const (
	// HeaderName is the name of the correlation id header.
	HeaderName = "X-Flow-Id"

	minLength = 8
	maxLength = 254
)

var (
	ErrInvalidLen = errors.New("flowid: length must be even, >= 8 and <= 254")
	flowIdRegex   = regexp.MustCompile(`^[\w+/=\-]+$`)
)

// Generator interface should be implemented by types that can generate
// request tracing ids.
type Generator interface {
	// Generate returns a new id or an error if the generation fails.
	Generate() (string, error)

	// MustGenerate behaves like Generate but panics on failure.
	MustGenerate() string

	// IsValid asserts if a given id follows the format of this generator.
	IsValid(string) bool
}

type hexGenerator struct {
	length int
}

// NewHexGenerator returns a generator of random hex encoded ids of the
// given length, read from a cryptographically strong source. The length
// must be even, between 8 and 254 characters.
func NewHexGenerator(l int) (Generator, error) {
	if l < minLength || l > maxLength || l%2 != 0 {
		return nil, ErrInvalidLen
	}

	return &hexGenerator{length: l}, nil
}

func (g *hexGenerator) Generate() (string, error) {
	u := make([]byte, hex.DecodedLen(g.length))
	if _, err := rand.Read(u); err != nil {
		return "", err
	}

	buf := make([]byte, g.length)
	hex.Encode(buf, u)
	return string(buf), nil
}

func (g *hexGenerator) MustGenerate() string {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

func (g *hexGenerator) IsValid(id string) bool {
	if len(id) != g.length {
		return false
	}

	_, err := hex.DecodeString(id)
	return err == nil
}

func isValid(id string) bool {
	return len(id) >= minLength && len(id) <= maxLength && flowIdRegex.MatchString(id)
}
