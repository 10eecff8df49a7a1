// Package subsetsum decides which indivisible vault deposits can be combined
// to produce a requested collateral amount.
//
// Vault amounts are integer satoshis. Exact enumeration grows the set of
// reachable sums one vault at a time, which is exponential in the worst case
// (up to 2^N distinct sums), so it refuses to run above MaxExactVaults.
// Above that bound callers may opt in to GreedyLargestFirst, which is
// approximate: it can overshoot the target and is always labeled non-exact.
package subsetsum

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// MaxExactVaults is the largest vault count exact enumeration accepts.
// 2^20 subsets keeps the reachable-sum table near a million entries.
const MaxExactVaults = 20

var (
	// ErrInvalidAmount is returned when a vault amount is zero or negative.
	ErrInvalidAmount = errors.New("subsetsum: vault amounts must be positive")

	// ErrTooManyVaults is returned when exact enumeration is asked to run over
	// more vaults than its configured ceiling.
	ErrTooManyVaults = errors.New("subsetsum: too many vaults for exact enumeration")

	// ErrNoExactMatch is returned when no subset of vaults sums to the target.
	// Vaults must never be silently over- or under-pledged.
	ErrNoExactMatch = errors.New("subsetsum: no combination of vaults sums to the requested amount")

	// ErrInsufficientAmount is returned by the greedy policy when all vaults
	// together do not reach the target.
	ErrInsufficientAmount = errors.New("subsetsum: vaults do not cover the requested amount")
)

// Selection is a resolved set of vault indices.
type Selection struct {
	// Indices into the input amount list, ascending.
	Indices []int `json:"indices"`
	// Total is the sum of the selected amounts.
	Total int64 `json:"total"`
	// Exact is true when Total equals the target. Selections from the greedy
	// policy may still be exact by coincidence.
	Exact bool `json:"exact"`
	// Overshoot is Total minus the target; zero for exact selections.
	Overshoot int64 `json:"overshoot"`
}

// step records how a sum was first reached: by adding amounts[index] to prev.
type step struct {
	prev  int64
	index int
}

// table is the reachable-sum map with back-pointers plus the order in which
// sums were discovered.
type table struct {
	reached map[int64]step
	order   []int64
}

func validate(amounts []int64) (int64, error) {
	var total int64
	for i, a := range amounts {
		if a <= 0 {
			return 0, fmt.Errorf("%w: index %d has amount %d", ErrInvalidAmount, i, a)
		}
		total += a
	}
	return total, nil
}

// build grows the reachable set starting from {0}. For each amount, every sum
// reachable before that amount is shifted by it. A sum's back-pointer is set
// the first time the sum is reached and never overwritten, so the recorded
// combination is the first one found when vaults are added in input order.
func build(amounts []int64, limit int) (*table, error) {
	if len(amounts) > limit {
		return nil, fmt.Errorf("%w: %d vaults exceeds limit of %d", ErrTooManyVaults, len(amounts), limit)
	}
	if _, err := validate(amounts); err != nil {
		return nil, err
	}

	t := &table{
		reached: map[int64]step{0: {index: -1}},
		order:   []int64{0},
	}
	for i, a := range amounts {
		before := t.order[:len(t.order)]
		for _, s := range before {
			next := s + a
			if _, ok := t.reached[next]; ok {
				continue
			}
			t.reached[next] = step{prev: s, index: i}
			t.order = append(t.order, next)
		}
	}
	return t, nil
}

func (t *table) sums() []int64 {
	out := make([]int64, 0, len(t.order)-1)
	for _, s := range t.order {
		if s > 0 {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

func (t *table) trace(target int64) ([]int, bool) {
	if _, ok := t.reached[target]; !ok {
		return nil, false
	}
	indices := []int{}
	for s := target; s != 0; {
		st := t.reached[s]
		indices = append(indices, st.index)
		s = st.prev
	}
	sort.Ints(indices)
	return indices, true
}

// Sums returns every strictly positive amount reachable by summing a subset
// of amounts, sorted ascending and deduplicated. Empty input yields an empty
// index; a request for zero is always valid and is not part of the index.
func Sums(amounts []int64) ([]int64, error) {
	return sumsWithLimit(amounts, MaxExactVaults)
}

func sumsWithLimit(amounts []int64, limit int) ([]int64, error) {
	t, err := build(amounts, limit)
	if err != nil {
		return nil, err
	}
	return t.sums(), nil
}

// ExactMatch returns indices of amounts that sum exactly to target.
//
//   - target <= 0 yields an empty selection, not an error.
//   - target above the sum of all amounts yields ErrNoExactMatch.
//   - target that is not a reachable subset sum yields ErrNoExactMatch.
//
// When several combinations reach the target the one discovered first while
// adding vaults in input order wins, so results are reproducible.
func ExactMatch(amounts []int64, target int64) (Selection, error) {
	return exactWithLimit(amounts, target, MaxExactVaults)
}

func exactWithLimit(amounts []int64, target int64, limit int) (Selection, error) {
	total, err := validate(amounts)
	if err != nil {
		return Selection{}, err
	}
	if target <= 0 {
		return Selection{Indices: []int{}, Exact: true}, nil
	}
	if target > total {
		return Selection{}, fmt.Errorf("%w: requested %d, available %d", ErrNoExactMatch, target, total)
	}

	t, err := build(amounts, limit)
	if err != nil {
		return Selection{}, err
	}
	indices, ok := t.trace(target)
	if !ok {
		return Selection{}, fmt.Errorf("%w: requested %d", ErrNoExactMatch, target)
	}
	return Selection{Indices: indices, Total: target, Exact: true}, nil
}

// GreedyLargestFirst picks vaults from the largest down until the running
// total reaches target. It is NOT an exact-match policy: the result can
// overshoot, reported in Selection.Overshoot. Equal amounts keep input order.
func GreedyLargestFirst(amounts []int64, target int64) (Selection, error) {
	total, err := validate(amounts)
	if err != nil {
		return Selection{}, err
	}
	if target <= 0 {
		return Selection{Indices: []int{}, Exact: true}, nil
	}
	if target > total {
		return Selection{}, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientAmount, target, total)
	}

	order := make([]int, len(amounts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return amounts[order[a]] > amounts[order[b]]
	})

	var picked []int
	var sum int64
	for _, i := range order {
		if sum >= target {
			break
		}
		picked = append(picked, i)
		sum += amounts[i]
	}
	sort.Ints(picked)

	return Selection{
		Indices:   picked,
		Total:     sum,
		Exact:     sum == target,
		Overshoot: sum - target,
	}, nil
}
