package market

import (
	"fmt"
	"strings"
)

// Outcome is one of the two sides of a binary market.
type Outcome string

const (
	OutcomeA Outcome = "A"
	OutcomeB Outcome = "B"
)

// Outcomes lists both tags in canonical order.
var Outcomes = [2]Outcome{OutcomeA, OutcomeB}

// ParseOutcome accepts "A" or "B" (case-insensitive).
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return OutcomeA, nil
	case "B":
		return OutcomeB, nil
	default:
		return "", fmt.Errorf("market: parse outcome %q: %w", s, ErrInvalidOutcome)
	}
}

// Valid reports whether o is a recognized tag.
func (o Outcome) Valid() bool {
	return o == OutcomeA || o == OutcomeB
}

// Other returns the opposite outcome.
func (o Outcome) Other() Outcome {
	if o == OutcomeA {
		return OutcomeB
	}
	return OutcomeA
}

func (o Outcome) String() string { return string(o) }
