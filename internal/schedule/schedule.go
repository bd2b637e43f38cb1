// Package schedule generates the deterministic round-robin schedule. The
// same set of player IDs always yields byte-identical output: players are
// sorted lexicographically first, the circle method fixes round composition,
// and the lower player ID always takes the A side.
package schedule

import (
	"fmt"
	"sort"
)

// Match is one scheduled pairing. PlayerA sorts below PlayerB.
type Match struct {
	MatchID string
	RoundID int
	PlayerA string
	PlayerB string
}

// Round is one batch of matches playable in parallel. No player appears in
// two matches of the same round.
type Round struct {
	RoundID int
	Matches []Match
}

// byePlayer marks the sitting-out slot when the player count is odd.
const byePlayer = ""

// Generate builds the full schedule for the league. It returns an error for
// fewer than two players or duplicate IDs. Input order is irrelevant.
func Generate(leagueID string, playerIDs []string) ([]Round, error) {
	players := append([]string(nil), playerIDs...)
	sort.Strings(players)

	if len(players) < 2 {
		return nil, fmt.Errorf("schedule: need at least 2 players, got %d", len(players))
	}
	for i := 1; i < len(players); i++ {
		if players[i] == players[i-1] {
			return nil, fmt.Errorf("schedule: duplicate player id %q", players[i])
		}
	}

	// Odd counts get a bye slot; pairings against it are skipped.
	if len(players)%2 == 1 {
		players = append(players, byePlayer)
	}
	n := len(players)

	// Circle method: players[0] stays fixed, the rest rotate one position
	// per round. Each round pairs slot i with slot n-1-i.
	ring := append([]string(nil), players...)
	rounds := make([]Round, 0, n-1)
	for r := 1; r <= n-1; r++ {
		round := Round{RoundID: r}
		for i := 0; i < n/2; i++ {
			a, b := ring[i], ring[n-1-i]
			if a == byePlayer || b == byePlayer {
				continue
			}
			if a > b {
				a, b = b, a
			}
			round.Matches = append(round.Matches, Match{
				RoundID: r,
				PlayerA: a,
				PlayerB: b,
			})
		}
		// Intra-round order is fixed by the A side.
		sort.Slice(round.Matches, func(i, j int) bool {
			return round.Matches[i].PlayerA < round.Matches[j].PlayerA
		})
		for i := range round.Matches {
			round.Matches[i].MatchID = fmt.Sprintf("%s-r%d-m%d", leagueID, r, i+1)
		}
		rounds = append(rounds, round)

		// Rotate: ring[0] fixed, the tail shifts right by one.
		tail := ring[1:]
		last := tail[len(tail)-1]
		copy(tail[1:], tail[:len(tail)-1])
		tail[0] = last
	}
	return rounds, nil
}

// MatchCount returns the number of matches a full schedule of n players has.
func MatchCount(n int) int {
	return n * (n - 1) / 2
}
