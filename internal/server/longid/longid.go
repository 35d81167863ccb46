// Package longid generates the human-readable public identifiers of shares.
package longid

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
)

// MaxAttempts bounds how many candidates Generate tries before giving up.
const MaxAttempts = 10

// ErrIDSpaceExhausted means every attempt collided with an existing share.
// The word lists are too small for the number of live shares.
var ErrIDSpaceExhausted = errors.New("long id space exhausted")

// ExistsFunc reports whether a candidate slug is already taken.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

var adjectives = []string{
	"aged", "ancient", "autumn", "billowing", "bitter", "black", "blue", "bold",
	"brave", "broad", "broken", "calm", "cold", "cool", "crimson", "curly",
	"damp", "dark", "dawn", "delicate", "divine", "dry", "empty", "falling",
	"fancy", "flat", "floral", "fragrant", "frosty", "gentle", "green", "hidden",
	"holy", "icy", "jolly", "late", "lingering", "little", "lively", "long",
	"lucky", "misty", "morning", "muddy", "mute", "nameless", "noisy", "odd",
	"old", "orange", "patient", "plain", "polished", "proud", "purple", "quiet",
	"rapid", "raspy", "red", "restless", "rough", "round", "royal", "shiny",
	"shrill", "shy", "silent", "small", "snowy", "soft", "solitary", "sparkling",
	"spring", "square", "steep", "still", "summer", "super", "sweet", "throbbing",
	"tight", "tiny", "twilight", "wandering", "weathered", "white", "wild", "winter",
	"wispy", "withered", "yellow", "young",
}

var nouns = []string{
	"art", "band", "bar", "base", "bird", "block", "boat", "bonus",
	"bread", "breeze", "brook", "bush", "butterfly", "cake", "cell", "cherry",
	"cloud", "credit", "darkness", "dawn", "dew", "disk", "dream", "dust",
	"feather", "field", "fire", "firefly", "flower", "fog", "forest", "frog",
	"frost", "glade", "glitter", "grass", "hall", "hat", "haze", "heart",
	"hill", "king", "lab", "lake", "leaf", "limit", "math", "meadow",
	"mode", "moon", "morning", "mountain", "mouse", "mud", "night", "paper",
	"pine", "poetry", "pond", "queen", "rain", "recipe", "resonance", "rice",
	"river", "salad", "scene", "sea", "shadow", "shape", "silence", "sky",
	"smoke", "snow", "snowflake", "sound", "star", "sun", "sunset", "surf",
	"term", "thunder", "tooth", "tree", "truth", "union", "unit", "violet",
	"voice", "water", "waterfall", "wave", "wildflower", "wind", "wood",
}

// NewRand returns a generator seeded from crypto/rand.
func NewRand() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic(fmt.Sprintf("longid: failed to seed generator: %v", err))
	}
	return rand.New(rand.NewChaCha8(seed))
}

// Slug draws one {adjective}-{noun} candidate from rng.
func Slug(rng *rand.Rand) string {
	return adjectives[rng.IntN(len(adjectives))] + "-" + nouns[rng.IntN(len(nouns))]
}

// Generate returns a slug that exists reports as free, trying at most
// MaxAttempts candidates.
func Generate(ctx context.Context, rng *rand.Rand, exists ExistsFunc) (string, error) {
	for range MaxAttempts {
		id := Slug(rng)
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check long id: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}
