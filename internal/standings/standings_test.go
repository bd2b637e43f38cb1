package standings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeEmpty(t *testing.T) {
	table := Compute([]string{"b", "a"}, nil)
	require.Len(t, table, 2)

	// All-zero records tie; player ID breaks the display order, ranks stay
	// dense and shared.
	assert.Equal(t, "a", table[0].PlayerID)
	assert.Equal(t, "b", table[1].PlayerID)
	assert.Equal(t, 1, table[0].Rank)
	assert.Equal(t, 1, table[1].Rank)
}

func TestComputeBasicOrdering(t *testing.T) {
	results := []ResultLine{
		{PlayerA: "a", PlayerB: "b", OutcomeA: "WIN", OutcomeB: "LOSS", PointsA: 3, PointsB: 0},
		{PlayerA: "a", PlayerB: "c", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
		{PlayerA: "b", PlayerB: "c", OutcomeA: "WIN", OutcomeB: "LOSS", PointsA: 3, PointsB: 0},
	}
	table := Compute([]string{"a", "b", "c"}, results)
	require.Len(t, table, 3)

	assert.Equal(t, "a", table[0].PlayerID)
	assert.Equal(t, 4, table[0].Points)
	assert.Equal(t, 1, table[0].Rank)

	assert.Equal(t, "b", table[1].PlayerID)
	assert.Equal(t, 3, table[1].Points)
	assert.Equal(t, 2, table[1].Rank)

	assert.Equal(t, "c", table[2].PlayerID)
	assert.Equal(t, 1, table[2].Points)
	assert.Equal(t, 3, table[2].Rank)
}

func TestComputeConservation(t *testing.T) {
	results := []ResultLine{
		{PlayerA: "a", PlayerB: "b", OutcomeA: "WIN", OutcomeB: "LOSS", PointsA: 3, PointsB: 0},
		{PlayerA: "c", PlayerB: "d", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
		{PlayerA: "a", PlayerB: "c", OutcomeA: "LOSS", OutcomeB: "WIN", PointsA: 0, PointsB: 3},
		{PlayerA: "b", PlayerB: "d", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
	}
	table := Compute([]string{"a", "b", "c", "d"}, results)

	totalPoints, totalWins, totalLosses, totalDraws := 0, 0, 0, 0
	for _, line := range table {
		totalPoints += line.Points
		totalWins += line.Wins
		totalLosses += line.Losses
		totalDraws += line.Draws
		assert.Equal(t, 2, line.Wins+line.Losses+line.Draws, "player %s games", line.PlayerID)
	}
	assert.Equal(t, totalWins, totalLosses, "every win has a loss")
	assert.Equal(t, 0, totalDraws%2, "draws come in pairs")
	assert.Equal(t, 3*totalWins+totalDraws, totalPoints)
}

func TestComputeAllDrawsAlphabetical(t *testing.T) {
	players := []string{"D", "B", "A", "C"}
	var results []ResultLine
	pairs := [][2]string{{"A", "B"}, {"A", "C"}, {"A", "D"}, {"B", "C"}, {"B", "D"}, {"C", "D"}}
	for _, p := range pairs {
		results = append(results, ResultLine{
			PlayerA: p[0], PlayerB: p[1],
			OutcomeA: "DRAW", OutcomeB: "DRAW",
			PointsA: 1, PointsB: 1,
		})
	}

	table := Compute(players, results)
	require.Len(t, table, 4)
	for i, want := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, want, table[i].PlayerID)
		assert.Equal(t, 3, table[i].Points)
		assert.Equal(t, 3, table[i].Draws)
		assert.Equal(t, 1, table[i].Rank, "all tied players share rank 1")
	}
}

func TestComputeTieBreakByWinsThenDiff(t *testing.T) {
	// a: one win, one loss (3 pts). b: three draws (3 pts). Wins break the tie.
	results := []ResultLine{
		{PlayerA: "a", PlayerB: "c", OutcomeA: "WIN", OutcomeB: "LOSS", PointsA: 3, PointsB: 0},
		{PlayerA: "a", PlayerB: "d", OutcomeA: "LOSS", OutcomeB: "WIN", PointsA: 0, PointsB: 3},
		{PlayerA: "b", PlayerB: "c", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
		{PlayerA: "b", PlayerB: "d", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
		{PlayerA: "b", PlayerB: "e", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
	}
	table := Compute([]string{"a", "b", "c", "d", "e"}, results)

	assert.Equal(t, "a", table[0].PlayerID)
	assert.Equal(t, "b", table[1].PlayerID)
	assert.Equal(t, table[0].Points, table[1].Points)
	assert.Greater(t, table[0].Wins, table[1].Wins)
	assert.NotEqual(t, table[0].Rank, table[1].Rank)
}

func TestComputeIgnoresUnknownPlayers(t *testing.T) {
	results := []ResultLine{
		{PlayerA: "a", PlayerB: "ghost", OutcomeA: "WIN", OutcomeB: "LOSS", PointsA: 3, PointsB: 0},
	}
	table := Compute([]string{"a"}, results)
	require.Len(t, table, 1)
	assert.Equal(t, "a", table[0].PlayerID)
	assert.Equal(t, 3, table[0].Points)
}

func TestComputeOrderIndependent(t *testing.T) {
	results := []ResultLine{
		{PlayerA: "a", PlayerB: "b", OutcomeA: "WIN", OutcomeB: "LOSS", PointsA: 3, PointsB: 0},
		{PlayerA: "a", PlayerB: "c", OutcomeA: "DRAW", OutcomeB: "DRAW", PointsA: 1, PointsB: 1},
		{PlayerA: "b", PlayerB: "c", OutcomeA: "LOSS", OutcomeB: "WIN", PointsA: 0, PointsB: 3},
	}
	reversed := []ResultLine{results[2], results[1], results[0]}

	assert.Equal(t,
		Compute([]string{"a", "b", "c"}, results),
		Compute([]string{"a", "b", "c"}, reversed))
}
