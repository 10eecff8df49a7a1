package subsetsum

import (
	"errors"
	"fmt"
)

// Policy controls how a Selector resolves a target amount.
type Policy int

const (
	// PolicyExact only ever returns exact matches and refuses to run above
	// the vault ceiling.
	PolicyExact Policy = iota

	// PolicyExactThenGreedy uses exact matching up to the vault ceiling and
	// falls back to GreedyLargestFirst above it. Fallback selections carry
	// Exact=false whenever they overshoot.
	PolicyExactThenGreedy
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "exact":
		return PolicyExact, nil
	case "exact_then_greedy":
		return PolicyExactThenGreedy, nil
	}
	return PolicyExact, fmt.Errorf("subsetsum: unknown selection policy %q", s)
}

func (p Policy) String() string {
	switch p {
	case PolicyExact:
		return "exact"
	case PolicyExactThenGreedy:
		return "exact_then_greedy"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Selector applies a selection policy with a vault-count ceiling. It holds
// no mutable state and is safe for concurrent use.
type Selector struct {
	policy    Policy
	maxVaults int
}

// NewSelector creates a selector. maxVaults outside [1, MaxExactVaults]
// is replaced by MaxExactVaults.
func NewSelector(policy Policy, maxVaults int) *Selector {
	if maxVaults < 1 || maxVaults > MaxExactVaults {
		maxVaults = MaxExactVaults
	}
	return &Selector{policy: policy, maxVaults: maxVaults}
}

// Policy returns the configured policy.
func (s *Selector) Policy() Policy { return s.policy }

// MaxVaults returns the exact-enumeration ceiling.
func (s *Selector) MaxVaults() int { return s.maxVaults }

// Sums returns the exact achievable-amount index. It returns ErrTooManyVaults
// above the ceiling regardless of policy; the greedy fallback has no
// meaningful index.
func (s *Selector) Sums(amounts []int64) ([]int64, error) {
	return sumsWithLimit(amounts, s.maxVaults)
}

// Select resolves target against amounts according to the policy.
func (s *Selector) Select(amounts []int64, target int64) (Selection, error) {
	sel, err := exactWithLimit(amounts, target, s.maxVaults)
	if err == nil || s.policy != PolicyExactThenGreedy || !errors.Is(err, ErrTooManyVaults) {
		return sel, err
	}
	return GreedyLargestFirst(amounts, target)
}
