package flowid

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

type ulidGenerator struct {
	sync.Mutex
	r io.Reader
}

// NewULIDGenerator returns a generator of ULID ids, the default flow id
// flavor of the proxy.
func NewULIDGenerator() Generator {
	return NewULIDGeneratorWithEntropy(rand.New(rand.NewSource(time.Now().UTC().UnixNano())))
}

// NewULIDGeneratorWithEntropy returns a ULID generator reading entropy
// from the given source.
func NewULIDGeneratorWithEntropy(r io.Reader) Generator {
	return &ulidGenerator{r: r}
}

func (g *ulidGenerator) Generate() (string, error) {
	g.Lock()
	id, err := ulid.New(ulid.Now(), g.r)
	g.Unlock()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

func (g *ulidGenerator) MustGenerate() string {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

func (g *ulidGenerator) IsValid(id string) bool {
	if !isValid(id) {
		return false
	}

	_, err := ulid.Parse(id)
	return err == nil
}
