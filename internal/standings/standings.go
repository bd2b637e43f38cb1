// Package standings computes ranking tables from accepted results. The
// computation is a pure fold over the result stream: same results in, same
// table out, regardless of acceptance order.
package standings

import "sort"

// PlayerLine is one player's accumulated record.
type PlayerLine struct {
	PlayerID  string
	Points    int
	Wins      int
	Losses    int
	Draws     int
	PointDiff int // points scored minus points conceded
	Rank      int
}

// ResultLine is the slice of an accepted result the table needs.
type ResultLine struct {
	PlayerA  string
	PlayerB  string
	OutcomeA string // WIN | LOSS | DRAW
	OutcomeB string
	PointsA  int
	PointsB  int
}

// Compute folds the results into a ranked table covering every player in
// playerIDs, including those with no results yet. Ordering: points desc,
// wins desc, draws desc, point differential desc, player_id asc. Ranks are
// dense: players tied on every sort key share a rank.
func Compute(playerIDs []string, results []ResultLine) []PlayerLine {
	lines := make(map[string]*PlayerLine, len(playerIDs))
	for _, id := range playerIDs {
		lines[id] = &PlayerLine{PlayerID: id}
	}

	apply := func(id, outcome string, points, conceded int) {
		line, ok := lines[id]
		if !ok {
			// Results for unknown players are ignored rather than
			// invented: the caller's player set is authoritative.
			return
		}
		line.Points += points
		line.PointDiff += points - conceded
		switch outcome {
		case "WIN":
			line.Wins++
		case "LOSS":
			line.Losses++
		case "DRAW":
			line.Draws++
		}
	}

	for _, r := range results {
		apply(r.PlayerA, r.OutcomeA, r.PointsA, r.PointsB)
		apply(r.PlayerB, r.OutcomeB, r.PointsB, r.PointsA)
	}

	table := make([]PlayerLine, 0, len(lines))
	for _, line := range lines {
		table = append(table, *line)
	}
	sort.Slice(table, func(i, j int) bool {
		a, b := table[i], table[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		if a.Draws != b.Draws {
			return a.Draws > b.Draws
		}
		if a.PointDiff != b.PointDiff {
			return a.PointDiff > b.PointDiff
		}
		return a.PlayerID < b.PlayerID
	})

	rank := 0
	for i := range table {
		if i == 0 || !tied(table[i-1], table[i]) {
			rank++
		}
		table[i].Rank = rank
	}
	return table
}

func tied(a, b PlayerLine) bool {
	return a.Points == b.Points && a.Wins == b.Wins &&
		a.Draws == b.Draws && a.PointDiff == b.PointDiff
}
