package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tournabot/engine/models"
)

var (
	ErrMatchNotFound = errors.New("match not found")
)

type MatchRepository interface {
	// Create inserts a single bracket node. Bracket materialization runs it
	// inside one transaction for every node, so the batch is all-or-nothing.
	Create(ctx context.Context, exec SQLExecutor, m *models.Match) error
	GetByID(ctx context.Context, id int) (*models.Match, error)
	ListByTournament(ctx context.Context, tournamentID int, statusFilter *models.MatchStatus) ([]*models.Match, error)
	// UpdateLinks wires the next/loser-next pointers after all rows of a
	// bracket exist and UIDs can be mapped to row IDs.
	UpdateLinks(ctx context.Context, exec SQLExecutor, matchID int, nextID, nextSlot, loserNextID, loserNextSlot *int) error
	// Update persists the mutable progression fields: participants, status,
	// pending report, winner and thread reference.
	Update(ctx context.Context, exec SQLExecutor, m *models.Match) error
}

type postgresMatchRepository struct {
	db *sql.DB
}

func NewPostgresMatchRepository(db *sql.DB) MatchRepository {
	return &postgresMatchRepository{db: db}
}

func (r *postgresMatchRepository) exec(exec SQLExecutor) SQLExecutor {
	if exec != nil {
		return exec
	}
	return r.db
}

const matchColumns = `
	id, tournament_id, bracket, round, order_in_round, bracket_uid,
	p1_participant_id, p2_participant_id, status,
	reported_winner_id, reported_by_kind, reported_by_id,
	winner_participant_id, next_match_id, next_slot,
	loser_next_match_id, loser_next_slot, thread_ref, created_at`

func (r *postgresMatchRepository) Create(ctx context.Context, exec SQLExecutor, m *models.Match) error {
	query := `
		INSERT INTO matches (
			tournament_id, bracket, round, order_in_round, bracket_uid,
			p1_participant_id, p2_participant_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err := r.exec(exec).QueryRowContext(ctx, query,
		m.TournamentID, m.Bracket, m.Round, m.OrderInRound, m.BracketUID,
		m.Participant1ID, m.Participant2ID, m.Status,
	).Scan(&m.ID, &m.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create match %s: %w", m.BracketUID, err)
	}
	return nil
}

func (r *postgresMatchRepository) GetByID(ctx context.Context, id int) (*models.Match, error) {
	query := `SELECT` + matchColumns + ` FROM matches WHERE id = $1`
	m, err := scanMatch(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("failed to scan match %d: %w", id, err)
	}
	return m, nil
}

func (r *postgresMatchRepository) ListByTournament(ctx context.Context, tournamentID int, statusFilter *models.MatchStatus) ([]*models.Match, error) {
	var b strings.Builder
	b.WriteString(`SELECT` + matchColumns + ` FROM matches WHERE tournament_id = $1`)

	args := []interface{}{tournamentID}
	if statusFilter != nil {
		b.WriteString(" AND status = $" + strconv.Itoa(len(args)+1))
		args = append(args, *statusFilter)
	}
	b.WriteString(" ORDER BY bracket ASC, round ASC, order_in_round ASC, id ASC")

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches for tournament %d: %w", tournamentID, err)
	}
	defer rows.Close()

	matches := make([]*models.Match, 0)
	for rows.Next() {
		m, scanErr := scanMatch(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan match row: %w", scanErr)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (r *postgresMatchRepository) UpdateLinks(ctx context.Context, exec SQLExecutor, matchID int, nextID, nextSlot, loserNextID, loserNextSlot *int) error {
	result, err := r.exec(exec).ExecContext(ctx, `
		UPDATE matches
		SET next_match_id = $1, next_slot = $2, loser_next_match_id = $3, loser_next_slot = $4
		WHERE id = $5`,
		nextID, nextSlot, loserNextID, loserNextSlot, matchID)
	if err != nil {
		return fmt.Errorf("failed to link match %d: %w", matchID, err)
	}
	return requireRow(result, ErrMatchNotFound)
}

func (r *postgresMatchRepository) Update(ctx context.Context, exec SQLExecutor, m *models.Match) error {
	var reportedKind, reportedID *string
	if m.ReportedBy != nil {
		kind := string(m.ReportedBy.Kind)
		reportedKind, reportedID = &kind, &m.ReportedBy.ID
	}

	result, err := r.exec(exec).ExecContext(ctx, `
		UPDATE matches
		SET p1_participant_id = $1, p2_participant_id = $2, status = $3,
		    reported_winner_id = $4, reported_by_kind = $5, reported_by_id = $6,
		    winner_participant_id = $7, thread_ref = $8
		WHERE id = $9`,
		m.Participant1ID, m.Participant2ID, m.Status,
		m.ReportedWinnerID, reportedKind, reportedID,
		m.WinnerParticipantID, m.ThreadRef, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update match %d: %w", m.ID, err)
	}
	return requireRow(result, ErrMatchNotFound)
}

func scanMatch(row rowScanner) (*models.Match, error) {
	m := &models.Match{}
	var reportedKind, reportedID sql.NullString
	err := row.Scan(
		&m.ID, &m.TournamentID, &m.Bracket, &m.Round, &m.OrderInRound, &m.BracketUID,
		&m.Participant1ID, &m.Participant2ID, &m.Status,
		&m.ReportedWinnerID, &reportedKind, &reportedID,
		&m.WinnerParticipantID, &m.NextMatchID, &m.NextSlot,
		&m.LoserNextMatchID, &m.LoserNextSlot, &m.ThreadRef, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reportedKind.Valid {
		m.ReportedBy = &models.ActorRef{Kind: models.ActorKind(reportedKind.String), ID: reportedID.String}
	}
	return m, nil
}
