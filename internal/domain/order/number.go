package order

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// NumberGenerator produces human-readable order numbers of the form
// PREFIX-YEAR-NNNN. Numbers are random and may collide; the repository's
// unique index is the arbiter.
type NumberGenerator struct {
	prefix string
	now    func() time.Time
	intn   func(n int) int
}

// NewNumberGenerator creates a generator for prefix.
func NewNumberGenerator(prefix string) *NumberGenerator {
	return &NumberGenerator{
		prefix: strings.ToUpper(prefix),
		now:    time.Now,
		intn:   rand.IntN,
	}
}

// Next returns a new order number.
func (g *NumberGenerator) Next() string {
	return fmt.Sprintf("%s-%d-%04d", g.prefix, g.now().UTC().Year(), g.intn(10000))
}
