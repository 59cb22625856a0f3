package brackets

import (
	"context"
	"fmt"
	"math"

	"github.com/tournabot/engine/models"
)

type SingleEliminationGenerator struct {
	// section and uidPrefix let the double elimination generator reuse this
	// code for its winners bracket.
	section   models.BracketSection
	uidPrefix string
}

func NewSingleEliminationGenerator() Generator {
	return &SingleEliminationGenerator{section: models.BracketSingle, uidPrefix: "R"}
}

func (g *SingleEliminationGenerator) Name() string {
	return "SingleElimination"
}

func (g *SingleEliminationGenerator) Generate(ctx context.Context, params GenerateParams) ([]*Match, error) {
	participants := params.Participants
	n := len(participants)
	if n < 2 {
		return nil, ErrInsufficientParticipants
	}

	numRounds := int(math.Ceil(math.Log2(float64(n))))
	bracketSize := 1 << uint(numRounds)

	// Места 0..n-1 заняты участниками в порядке посева, остальные — bye.
	slots := make([]*int, bracketSize)
	for i := 0; i < n; i++ {
		pid := participants[i].ID
		slots[i] = &pid
	}

	matches := make([]*Match, 0, bracketSize-1)

	// Round 1: fold pairing, slot j against slot bracketSize-1-j. Byes occupy
	// the top slots, so a bye always faces one of the strongest seeds and two
	// byes never meet.
	for j := 0; j < bracketSize/2; j++ {
		p1 := slots[j]
		p2 := slots[bracketSize-1-j]

		m := &Match{
			UID:          g.uid(1, j+1),
			Bracket:      g.section,
			Round:        1,
			OrderInRound: j + 1,
		}
		switch {
		case p1 != nil && p2 != nil:
			m.Participant1ID = p1
			m.Participant2ID = p2
			m.Status = models.MatchStatusReady
		case p1 != nil:
			m.Participant1ID = p1
			m.Status = models.MatchStatusBye
		case p2 != nil:
			m.Participant1ID = p2
			m.Status = models.MatchStatusBye
		default:
			return nil, fmt.Errorf("bracket slots %d and %d are both byes for %d participants", j, bracketSize-1-j, n)
		}
		matches = append(matches, m)
	}

	// Последующие раунды — пустые заготовки, заполняются продвижением.
	for r := 2; r <= numRounds; r++ {
		count := bracketSize >> uint(r)
		for j := 0; j < count; j++ {
			matches = append(matches, &Match{
				UID:          g.uid(r, j+1),
				Bracket:      g.section,
				Round:        r,
				OrderInRound: j + 1,
				Status:       models.MatchStatusPending,
			})
		}
	}

	// Winner links: match j of round r feeds match j/2 of round r+1, slot 1
	// for even j, slot 2 for odd j.
	for _, m := range matches {
		if m.Round == numRounds {
			continue
		}
		j := m.OrderInRound - 1
		m.WinnerToUID = strPtr(g.uid(m.Round+1, j/2+1))
		m.WinnerToSlot = intPtr(j%2 + 1)
	}

	return matches, nil
}

func (g *SingleEliminationGenerator) uid(round, order int) string {
	return fmt.Sprintf("%s%dM%d", g.uidPrefix, round, order)
}
