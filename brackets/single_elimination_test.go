package brackets_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournabot/engine/brackets"
	"github.com/tournabot/engine/models"
)

func testParticipants(n int) []*models.Participant {
	ps := make([]*models.Participant, 0, n)
	for i := 1; i <= n; i++ {
		ps = append(ps, &models.Participant{
			ID:          i,
			Ref:         models.ParticipantRef{Kind: models.RefUser, ID: fmt.Sprintf("u%d", i)},
			DisplayName: fmt.Sprintf("Player %d", i),
		})
	}
	return ps
}

func generate(t *testing.T, format models.TournamentFormat, n int) []*brackets.Match {
	t.Helper()
	gen, err := brackets.ForFormat(format)
	require.NoError(t, err)
	tournament := &models.Tournament{ID: 1, Format: format, GrandFinalsReset: true}
	matches, err := gen.Generate(context.Background(), brackets.GenerateParams{
		Tournament:   tournament,
		Participants: testParticipants(n),
	})
	require.NoError(t, err)
	return matches
}

func TestSingleEliminationRejectsTooFewParticipants(t *testing.T) {
	gen := brackets.NewSingleEliminationGenerator()
	for _, n := range []int{0, 1} {
		_, err := gen.Generate(context.Background(), brackets.GenerateParams{
			Participants: testParticipants(n),
		})
		assert.ErrorIs(t, err, brackets.ErrInsufficientParticipants, "n=%d", n)
	}
}

func TestSingleEliminationCounts(t *testing.T) {
	for n := 2; n <= 16; n++ {
		matches := generate(t, models.FormatSingleElimination, n)

		rounds := 0
		playable, byes := 0, 0
		for _, m := range matches {
			if m.Round > rounds {
				rounds = m.Round
			}
			switch m.Status {
			case models.MatchStatusBye:
				byes++
				assert.Equal(t, 1, m.Round, "n=%d: bye outside round 1", n)
				assert.NotNil(t, m.Participant1ID)
				assert.Nil(t, m.Participant2ID)
			default:
				playable++
			}
		}

		wantRounds := 0
		for (1 << wantRounds) < n {
			wantRounds++
		}
		bracketSize := 1 << wantRounds

		assert.Equal(t, n-1, playable, "n=%d playable matches", n)
		assert.Equal(t, bracketSize-n, byes, "n=%d byes", n)
		assert.Equal(t, wantRounds, rounds, "n=%d rounds", n)
		assert.Len(t, matches, bracketSize-1)
	}
}

func TestSingleEliminationLinks(t *testing.T) {
	matches := generate(t, models.FormatSingleElimination, 8)

	// Every slot of every later-round match is fed exactly once.
	feeds := make(map[string]int)
	finals := 0
	for _, m := range matches {
		if m.WinnerToUID == nil {
			finals++
			continue
		}
		require.NotNil(t, m.WinnerToSlot)
		feeds[fmt.Sprintf("%s#%d", *m.WinnerToUID, *m.WinnerToSlot)]++
	}
	assert.Equal(t, 1, finals, "exactly one terminal match")
	for key, count := range feeds {
		assert.Equal(t, 1, count, "slot %s fed more than once", key)
	}

	byUID := make(map[string]*brackets.Match)
	for _, m := range matches {
		byUID[m.UID] = m
	}
	for _, m := range matches {
		if m.WinnerToUID == nil {
			continue
		}
		next, ok := byUID[*m.WinnerToUID]
		require.True(t, ok, "winner destination %s missing", *m.WinnerToUID)
		assert.Equal(t, m.Round+1, next.Round)
	}
}

func TestSingleEliminationFiveParticipants(t *testing.T) {
	// 5 участников: сетка добивается до 8, три bye в первом раунде.
	matches := generate(t, models.FormatSingleElimination, 5)

	byes := 0
	rounds := 0
	for _, m := range matches {
		if m.Status == models.MatchStatusBye {
			byes++
			assert.Equal(t, 1, m.Round)
		}
		if m.Round > rounds {
			rounds = m.Round
		}
	}
	assert.Equal(t, 3, byes)
	assert.Equal(t, 3, rounds)
	assert.Len(t, matches, 7)
}

func TestSingleEliminationTwoParticipants(t *testing.T) {
	matches := generate(t, models.FormatSingleElimination, 2)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, models.MatchStatusReady, m.Status)
	assert.Nil(t, m.WinnerToUID)
	assert.NotNil(t, m.Participant1ID)
	assert.NotNil(t, m.Participant2ID)
}

func TestSingleEliminationByesFaceTopSeeds(t *testing.T) {
	matches := generate(t, models.FormatSingleElimination, 6)
	// Seeds 1 and 2 (IDs 1, 2) take the two byes under fold seeding.
	byeIDs := make(map[int]bool)
	for _, m := range matches {
		if m.Status == models.MatchStatusBye {
			byeIDs[*m.Participant1ID] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, byeIDs)
}
