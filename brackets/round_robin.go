package brackets

import (
	"context"
	"fmt"

	"github.com/tournabot/engine/models"
)

type RoundRobinGenerator struct{}

func NewRoundRobinGenerator() Generator {
	return &RoundRobinGenerator{}
}

func (g *RoundRobinGenerator) Name() string {
	return "RoundRobin"
}

// Generate creates all C(n,2) pairings as independent matches. Rounds are
// assigned with the circle method so that no participant appears twice in a
// round; with an odd participant count one participant sits out each round.
// Матчи не связаны между собой: победители никуда не продвигаются,
// таблица считается по завершённым результатам (см. ComputeStandings).
func (g *RoundRobinGenerator) Generate(ctx context.Context, params GenerateParams) ([]*Match, error) {
	participants := params.Participants
	n := len(participants)
	if n < 2 {
		return nil, ErrInsufficientParticipants
	}

	// Для нечётного n добавляем фиктивного участника; его пары пропускаются.
	ids := make([]*int, 0, n+1)
	for _, p := range participants {
		pid := p.ID
		ids = append(ids, &pid)
	}
	if n%2 != 0 {
		ids = append(ids, nil)
	}
	size := len(ids)
	numRounds := size - 1
	half := size / 2

	matches := make([]*Match, 0, n*(n-1)/2)
	for round := 1; round <= numRounds; round++ {
		order := 0
		for i := 0; i < half; i++ {
			p1 := ids[i]
			p2 := ids[size-1-i]
			if p1 == nil || p2 == nil {
				continue
			}
			order++
			matches = append(matches, &Match{
				UID:            fmt.Sprintf("RR%dM%d", round, order),
				Bracket:        models.BracketRoundRobin,
				Round:          round,
				OrderInRound:   order,
				Participant1ID: p1,
				Participant2ID: p2,
				Status:         models.MatchStatusReady,
			})
		}
		// Rotate, keeping the first position fixed.
		rotated := make([]*int, 0, size)
		rotated = append(rotated, ids[0], ids[size-1])
		rotated = append(rotated, ids[1:size-1]...)
		ids = rotated
	}

	return matches, nil
}
