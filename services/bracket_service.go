package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tournabot/engine/brackets"
	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/repositories"
)

// BracketService строит сетку турнира и атомарно сохраняет её в базу.
type BracketService interface {
	GenerateAndSaveBracket(ctx context.Context, tournament *models.Tournament, participants []*models.Participant) ([]*models.Match, error)
}

type bracketService struct {
	db        *sql.DB
	matchRepo repositories.MatchRepository
	logger    *slog.Logger
}

func NewBracketService(db *sql.DB, matchRepo repositories.MatchRepository, logger *slog.Logger) BracketService {
	return &bracketService{db: db, matchRepo: matchRepo, logger: logger}
}

// GenerateAndSaveBracket генерирует граф матчей и сохраняет его в одной
// транзакции в два прохода: сначала строки матчей, затем связи по карте
// UID -> id. Либо сохраняется весь граф, либо ничего.
func (s *bracketService) GenerateAndSaveBracket(ctx context.Context, tournament *models.Tournament, participants []*models.Participant) ([]*models.Match, error) {
	gen, err := brackets.ForFormat(tournament.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBracketGeneration, err)
	}

	nodes, err := gen.Generate(ctx, brackets.GenerateParams{
		Tournament:   tournament,
		Participants: participants,
	})
	if err != nil {
		if errors.Is(err, brackets.ErrInsufficientParticipants) {
			return nil, ErrInsufficientParticipants
		}
		return nil, fmt.Errorf("%w: %v", ErrBracketGeneration, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("rollback failed", slog.Any("error", rbErr))
			}
		}
	}()

	saved, err := materializeBracket(ctx, tx, s.matchRepo, tournament, nodes)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bracket: %w", err)
	}

	s.logger.Info("bracket saved",
		slog.Int("tournament_id", tournament.ID),
		slog.String("format", string(tournament.Format)),
		slog.Int("matches", len(saved)),
	)
	return saved, nil
}

// materializeBracket сохраняет сгенерированный граф в два прохода:
// сначала строки матчей с картой UID -> id, затем связи между ними.
func materializeBracket(ctx context.Context, exec repositories.SQLExecutor, repo repositories.MatchRepository, tournament *models.Tournament, nodes []*brackets.Match) ([]*models.Match, error) {
	idByUID := make(map[string]int, len(nodes))
	saved := make([]*models.Match, 0, len(nodes))
	for _, node := range nodes {
		m := &models.Match{
			TournamentID:   tournament.ID,
			Bracket:        node.Bracket,
			Round:          node.Round,
			OrderInRound:   node.OrderInRound,
			Participant1ID: node.Participant1ID,
			Participant2ID: node.Participant2ID,
			Status:         node.Status,
			BracketUID:     node.UID,
		}
		if node.Status == models.MatchStatusBye {
			m.WinnerParticipantID = node.Participant1ID
		}
		if err := repo.Create(ctx, exec, m); err != nil {
			return nil, fmt.Errorf("create match %s: %w", node.UID, err)
		}
		idByUID[node.UID] = m.ID
		saved = append(saved, m)
	}

	for i, node := range nodes {
		if node.WinnerToUID == nil && node.LoserToUID == nil {
			continue
		}
		m := saved[i]
		if node.WinnerToUID != nil {
			id, ok := idByUID[*node.WinnerToUID]
			if !ok {
				return nil, fmt.Errorf("%w: unresolved winner link %s -> %s", ErrBracketGeneration, node.UID, *node.WinnerToUID)
			}
			m.NextMatchID = &id
			m.NextSlot = node.WinnerToSlot
		}
		if node.LoserToUID != nil {
			id, ok := idByUID[*node.LoserToUID]
			if !ok {
				return nil, fmt.Errorf("%w: unresolved loser link %s -> %s", ErrBracketGeneration, node.UID, *node.LoserToUID)
			}
			m.LoserNextMatchID = &id
			m.LoserNextSlot = node.LoserToSlot
		}
		if err := repo.UpdateLinks(ctx, exec, m.ID, m.NextMatchID, m.NextSlot, m.LoserNextMatchID, m.LoserNextSlot); err != nil {
			return nil, fmt.Errorf("link match %s: %w", node.UID, err)
		}
	}
	return saved, nil
}
