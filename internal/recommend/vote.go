// Package recommend turns the answers of several recommender replicas into
// one parking-space recommendation.
//
// A Coordinator fans a Query out to every replica, collects the Votes that
// arrive before its deadline and reduces them with Reduce. Replicas that are
// slow or failing simply abstain; the decision is taken over the votes that
// were received, never over the configured replica count.
package recommend

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"parkline/internal/parking"
)

// ErrNoQuorum means a round ended without enough votes to recommend
// anything. It is a distinct outcome, never a default recommendation.
var ErrNoQuorum = errors.New("recommend: no quorum")

// Query asks for the best free space in a zone for a vehicle arriving at an
// entrance.
type Query struct {
	Zone     string        `cbor:"zone"`
	Entrance parking.Point `cbor:"entrance"`
	Plate    string        `cbor:"plate,omitempty"`
}

// Validate checks the fields every replica needs.
func (q Query) Validate() error {
	if q.Zone == "" {
		return fmt.Errorf("zone is required")
	}
	return nil
}

// Vote is one replica's proposal. An empty Space is an abstention.
type Vote struct {
	ReplicaID  string    `cbor:"replica_id"`
	Space      string    `cbor:"space"`
	Confidence float64   `cbor:"confidence"`
	At         time.Time `cbor:"at"`
}

// Decision is the reduced outcome of a round.
type Decision struct {
	RoundID string `cbor:"round_id"`
	Space   string `cbor:"space"`
	// Support is the number of votes for Space; Received is the number of
	// votes counted.
	Support  int  `cbor:"support"`
	Received int  `cbor:"received"`
	Majority bool `cbor:"majority"`
	// Confidence is the summed confidence of the votes for Space.
	Confidence float64 `cbor:"confidence"`
	Votes      []Vote  `cbor:"votes"`
	// Abstained lists replicas that did not vote in time.
	Abstained []string `cbor:"abstained,omitempty"`
}

// QuorumRule decides how many of the received votes a space needs to win
// outright.
type QuorumRule interface {
	Required(received int) int
	String() string
}

type strictMajority struct{}

// StrictMajority requires more than half of the received votes.
func StrictMajority() QuorumRule { return strictMajority{} }

func (strictMajority) Required(received int) int { return received/2 + 1 }
func (strictMajority) String() string            { return "strict-majority" }

type atLeast int

// AtLeast requires n votes regardless of how many were received.
func AtLeast(n int) QuorumRule {
	if n < 1 {
		n = 1
	}
	return atLeast(n)
}

func (a atLeast) Required(int) int { return int(a) }
func (a atLeast) String() string   { return fmt.Sprintf("at-least-%d", int(a)) }

// ParseQuorumRule reads "majority" or "at-least:N".
func ParseQuorumRule(s string) (QuorumRule, error) {
	switch s {
	case "", "majority", "strict-majority":
		return StrictMajority(), nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "at-least:%d", &n); err != nil || n < 1 {
		return nil, fmt.Errorf("invalid quorum rule %q", s)
	}
	return AtLeast(n), nil
}

type tally struct {
	space      string
	support    int
	confidence float64
	// lowest is the lowest supporting replica id in natural order.
	lowest string
}

// Reduce picks the winning space. A space with at least rule.Required(n)
// of the n votes wins; otherwise the space with the highest summed
// confidence wins, then the one backed by the lowest replica id. Abstentions
// are not counted. Fewer than minVotes votes fail with ErrNoQuorum.
func Reduce(votes []Vote, rule QuorumRule, minVotes int) (*Decision, error) {
	if rule == nil {
		rule = StrictMajority()
	}
	if minVotes < 1 {
		minVotes = 1
	}

	counted := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if v.Space != "" {
			counted = append(counted, v)
		}
	}
	if len(counted) < minVotes {
		return nil, fmt.Errorf("%w: received %d votes, need %d", ErrNoQuorum, len(counted), minVotes)
	}

	bySpace := make(map[string]*tally)
	for _, v := range counted {
		t, ok := bySpace[v.Space]
		if !ok {
			t = &tally{space: v.Space, lowest: v.ReplicaID}
			bySpace[v.Space] = t
		}
		t.support++
		t.confidence += v.Confidence
		if NaturalLess(v.ReplicaID, t.lowest) {
			t.lowest = v.ReplicaID
		}
	}

	tallies := make([]*tally, 0, len(bySpace))
	for _, t := range bySpace {
		tallies = append(tallies, t)
	}
	sort.Slice(tallies, func(i, j int) bool {
		a, b := tallies[i], tallies[j]
		if a.support != b.support {
			return a.support > b.support
		}
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.lowest != b.lowest {
			return NaturalLess(a.lowest, b.lowest)
		}
		return a.space < b.space
	})

	required := rule.Required(len(counted))
	var winner *tally
	if tallies[0].support >= required {
		winner = tallies[0]
	} else {
		winner = bestWithoutMajority(tallies)
	}

	sorted := append([]Vote(nil), counted...)
	sort.Slice(sorted, func(i, j int) bool { return NaturalLess(sorted[i].ReplicaID, sorted[j].ReplicaID) })

	return &Decision{
		Space:      winner.space,
		Support:    winner.support,
		Received:   len(counted),
		Majority:   winner.support >= required,
		Confidence: winner.confidence,
		Votes:      sorted,
	}, nil
}

// bestWithoutMajority ranks by confidence alone; support no longer matters
// once nobody reached the threshold.
func bestWithoutMajority(tallies []*tally) *tally {
	best := tallies[0]
	for _, t := range tallies[1:] {
		switch {
		case t.confidence > best.confidence:
			best = t
		case t.confidence == best.confidence && NaturalLess(t.lowest, best.lowest):
			best = t
		}
	}
	return best
}

// NaturalLess orders strings with embedded numbers numerically, so
// "replica2" sorts before "replica10".
func NaturalLess(a, b string) bool {
	for a != "" && b != "" {
		ai, bi := digitRun(a), digitRun(b)
		if ai > 0 && bi > 0 {
			an, bn := trimZeros(a[:ai]), trimZeros(b[:bi])
			if len(an) != len(bn) {
				return len(an) < len(bn)
			}
			if an != bn {
				return an < bn
			}
			a, b = a[ai:], b[bi:]
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func digitRun(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
