// Package balance implements the load-balancing strategies used to pick a
// healthy connection for an outbound request.
//
// Strategies are plain structs with no internal locking: the connection
// manager's control loop owns the strategy and presents it candidate sets
// sorted by connection id, so round-robin and tie-breaking behave
// deterministically within a stable set.
package balance

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Kind names a selection strategy.
type Kind string

const (
	RoundRobin       Kind = "round_robin"
	LeastConnections Kind = "least_connections"
	Random           Kind = "random"
	Weighted         Kind = "weighted"
)

// ErrUnknownStrategy is returned for unrecognized strategy kinds.
var ErrUnknownStrategy = errors.New("unknown load-balancing strategy")

// Candidate is one healthy connection as seen by a strategy.
type Candidate struct {
	ID      string
	Pending int // in-flight requests on this connection
	Weight  int // configured weight, <= 0 treated as 1
}

// Strategy picks one index into a non-empty candidate slice.
type Strategy interface {
	Pick(cands []Candidate) int
}

// New creates a strategy of the given kind.
func New(kind Kind) (Strategy, error) {
	switch kind {
	case RoundRobin, "":
		return &roundRobin{}, nil
	case LeastConnections:
		return &leastConnections{}, nil
	case Random:
		return &random{}, nil
	case Weighted:
		return &weighted{current: make(map[string]int)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
}

// roundRobin advances a cursor one position per selection. The cursor wraps
// modulo the current set size, so fairness holds only within a stable set.
type roundRobin struct {
	cursor uint64
}

func (s *roundRobin) Pick(cands []Candidate) int {
	i := int(s.cursor % uint64(len(cands)))
	s.cursor++
	return i
}

// leastConnections picks the candidate with the fewest in-flight requests.
// Candidates arrive sorted by id, so ties resolve to the smallest id.
type leastConnections struct{}

func (s *leastConnections) Pick(cands []Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].Pending < cands[best].Pending {
			best = i
		}
	}
	return best
}

// random picks uniformly among the candidates.
type random struct{}

func (s *random) Pick(cands []Candidate) int {
	return rand.IntN(len(cands))
}

// weighted implements smooth weighted round-robin: each pick raises every
// candidate's running score by its weight, takes the highest score, and
// charges the winner the total weight.
type weighted struct {
	current map[string]int
}

func (s *weighted) Pick(cands []Candidate) int {
	total := 0
	best := 0

	seen := make(map[string]struct{}, len(cands))
	for i, c := range cands {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		seen[c.ID] = struct{}{}
		s.current[c.ID] += w
		total += w

		if s.current[c.ID] > s.current[cands[best].ID] {
			best = i
		}
	}

	// Drop scores for candidates that left the healthy set.
	for id := range s.current {
		if _, ok := seen[id]; !ok {
			delete(s.current, id)
		}
	}

	s.current[cands[best].ID] -= total
	return best
}
