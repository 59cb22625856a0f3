package brackets

import (
	"context"
	"errors"
	"fmt"

	"github.com/tournabot/engine/models"
)

var (
	// ErrInsufficientParticipants is returned for participant counts below 2.
	ErrInsufficientParticipants = errors.New("not enough participants to generate a bracket (minimum 2)")
)

type GenerateParams struct {
	Tournament   *models.Tournament
	Participants []*models.Participant
}

// Match is one node of a generated topology. The generator links matches by
// UID only; the persistence layer maps UIDs to row IDs when the bracket is
// materialized (see services.BracketService).
type Match struct {
	UID          string
	Bracket      models.BracketSection
	Round        int
	OrderInRound int

	Participant1ID *int
	Participant2ID *int

	// pending, ready or bye. Nothing else is valid at generation time.
	Status models.MatchStatus

	WinnerToUID  *string
	WinnerToSlot *int
	LoserToUID   *string
	LoserToSlot  *int
}

// Generator produces a complete match topology for one tournament format.
// Implementations must be deterministic for a given participant ordering and
// perform no I/O.
type Generator interface {
	Generate(ctx context.Context, params GenerateParams) ([]*Match, error)

	Name() string
}

// ForFormat returns the generator matching the tournament format.
func ForFormat(format models.TournamentFormat) (Generator, error) {
	switch format {
	case models.FormatSingleElimination:
		return NewSingleEliminationGenerator(), nil
	case models.FormatDoubleElimination:
		return NewDoubleEliminationGenerator(), nil
	case models.FormatRoundRobin:
		return NewRoundRobinGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported tournament format %q", format)
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(s string) *string { return &s }
