/**
 * @description
 * This package produces unique, human-readable transaction references. A
 * reference doubles as the idempotency anchor for client retries, so its
 * format is stable: a fixed tag, the creation timestamp in unix
 * milliseconds, and a random alphanumeric suffix.
 *
 * @notes
 * - Generate never performs I/O. Uniqueness is enforced by the unique index
 *   at the persistence boundary; the lifecycle manager retries a bounded
 *   number of times on a collision before giving up.
 * - With a 10-character suffix over 62 symbols there are ~8.4e17 possible
 *   suffixes per millisecond, so collision-driven retries stay near zero at
 *   any realistic write rate.
 */

package refgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultPrefix tags every generated reference.
	DefaultPrefix = "TXN"

	// DefaultSuffixLength is the number of random alphanumerics appended.
	DefaultSuffixLength = 10

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Generator produces transaction references. The zero value is not usable;
// construct one with New.
type Generator struct {
	prefix       string
	suffixLength int
	now          func() time.Time
}

// Option customizes a Generator.
type Option func(*Generator)

// WithPrefix overrides the fixed reference tag.
func WithPrefix(prefix string) Option {
	return func(g *Generator) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed != "" {
			g.prefix = trimmed
		}
	}
}

// WithSuffixLength overrides the random suffix length.
func WithSuffixLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.suffixLength = n
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// New constructs a Generator with the default format.
func New(opts ...Option) *Generator {
	g := &Generator{
		prefix:       DefaultPrefix,
		suffixLength: DefaultSuffixLength,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a fresh reference, e.g. "TXN-1735689600123-a8Fk2XzQ9b".
func (g *Generator) Generate() string {
	return fmt.Sprintf("%s-%d-%s", g.prefix, g.now().UnixMilli(), randomSuffix(g.suffixLength))
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	// crypto/rand.Read only fails when the platform entropy source is
	// broken, in which case there is nothing sensible to fall back to.
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("refgen: entropy source unavailable: %v", err))
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
