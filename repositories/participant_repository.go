package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/tournabot/engine/models"
)

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantConflict = errors.New("participant already registered for this tournament")
)

type ParticipantRepository interface {
	Create(ctx context.Context, p *models.Participant) error
	GetByID(ctx context.Context, id int) (*models.Participant, error)
	// FindByRef resolves the external user/team reference inside one
	// tournament to the participant row.
	FindByRef(ctx context.Context, tournamentID int, ref models.ParticipantRef) (*models.Participant, error)
	ListByTournament(ctx context.Context, tournamentID int) ([]*models.Participant, error)
	SetEliminated(ctx context.Context, exec SQLExecutor, id int, eliminated bool) error
	Delete(ctx context.Context, id int) error
}

type postgresParticipantRepository struct {
	db *sql.DB
}

func NewPostgresParticipantRepository(db *sql.DB) ParticipantRepository {
	return &postgresParticipantRepository{db: db}
}

const participantColumns = `id, tournament_id, kind, external_id, display_name, eliminated, joined_at`

func (r *postgresParticipantRepository) Create(ctx context.Context, p *models.Participant) error {
	query := `
		INSERT INTO participants (tournament_id, kind, external_id, display_name)
		VALUES ($1, $2, $3, $4)
		RETURNING id, joined_at`

	err := r.db.QueryRowContext(ctx, query,
		p.TournamentID, p.Ref.Kind, p.Ref.ID, p.DisplayName,
	).Scan(&p.ID, &p.JoinedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrParticipantConflict
		}
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

func (r *postgresParticipantRepository) GetByID(ctx context.Context, id int) (*models.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *postgresParticipantRepository) FindByRef(ctx context.Context, tournamentID int, ref models.ParticipantRef) (*models.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE tournament_id = $1 AND kind = $2 AND external_id = $3`
	return r.scanOne(r.db.QueryRowContext(ctx, query, tournamentID, ref.Kind, ref.ID))
}

func (r *postgresParticipantRepository) ListByTournament(ctx context.Context, tournamentID int) ([]*models.Participant, error) {
	query := `
		SELECT ` + participantColumns + `
		FROM participants
		WHERE tournament_id = $1
		ORDER BY joined_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants for tournament %d: %w", tournamentID, err)
	}
	defer rows.Close()

	participants := make([]*models.Participant, 0)
	for rows.Next() {
		p := &models.Participant{}
		if scanErr := rows.Scan(
			&p.ID, &p.TournamentID, &p.Ref.Kind, &p.Ref.ID,
			&p.DisplayName, &p.Eliminated, &p.JoinedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", scanErr)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *postgresParticipantRepository) SetEliminated(ctx context.Context, exec SQLExecutor, id int, eliminated bool) error {
	executor := SQLExecutor(r.db)
	if exec != nil {
		executor = exec
	}
	result, err := executor.ExecContext(ctx,
		`UPDATE participants SET eliminated = $1 WHERE id = $2`, eliminated, id)
	if err != nil {
		return fmt.Errorf("failed to update participant %d: %w", id, err)
	}
	return requireRow(result, ErrParticipantNotFound)
}

func (r *postgresParticipantRepository) Delete(ctx context.Context, id int) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete participant %d: %w", id, err)
	}
	return requireRow(result, ErrParticipantNotFound)
}

func (r *postgresParticipantRepository) scanOne(row *sql.Row) (*models.Participant, error) {
	p := &models.Participant{}
	err := row.Scan(
		&p.ID, &p.TournamentID, &p.Ref.Kind, &p.Ref.ID,
		&p.DisplayName, &p.Eliminated, &p.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	return p, nil
}
