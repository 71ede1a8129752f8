package identity

import (
	"fmt"
	"math/rand/v2"
)

var aliasAdjectives = []string{
	"brisk", "calm", "clever", "eager", "gentle", "keen",
	"lively", "quiet", "swift", "warm",
}

var aliasNouns = []string{
	"falcon", "heron", "lynx", "marten", "otter", "raven",
	"seal", "swift", "tern", "wren",
}

// NewAlias returns a human-readable label for a newly joined peer,
// e.g. "calm-otter-42". Aliases are display-only and need no uniqueness
// guarantee beyond the numeric suffix.
func NewAlias() string {
	a := aliasAdjectives[rand.IntN(len(aliasAdjectives))]
	n := aliasNouns[rand.IntN(len(aliasNouns))]
	return fmt.Sprintf("%s-%s-%d", a, n, rand.IntN(100))
}
