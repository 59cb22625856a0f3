package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/tournabot/engine/models"
)

var (
	ErrTournamentNotFound     = errors.New("tournament not found")
	ErrTournamentNameConflict = errors.New("tournament name conflict for this guild")
	ErrTournamentWinnerStale  = errors.New("tournament winner already set")
)

type ListTournamentsFilter struct {
	GuildID  *string
	Statuses []models.TournamentStatus
	Limit    int
	Offset   int
}

type TournamentRepository interface {
	Create(ctx context.Context, t *models.Tournament) error
	GetByID(ctx context.Context, guildID string, id int) (*models.Tournament, error)
	List(ctx context.Context, filter ListTournamentsFilter) ([]*models.Tournament, error)
	UpdateStatus(ctx context.Context, exec SQLExecutor, id int, status models.TournamentStatus) error
	UpdateCurrentRound(ctx context.Context, exec SQLExecutor, id int, round int) error
	// SetWinner records the champion exactly once; a second call for the
	// same tournament returns ErrTournamentWinnerStale.
	SetWinner(ctx context.Context, exec SQLExecutor, id int, winnerParticipantID int, winnerName string) error
}

type postgresTournamentRepository struct {
	db *sql.DB
}

func NewPostgresTournamentRepository(db *sql.DB) TournamentRepository {
	return &postgresTournamentRepository{db: db}
}

func (r *postgresTournamentRepository) exec(exec SQLExecutor) SQLExecutor {
	if exec != nil {
		return exec
	}
	return r.db
}

const tournamentColumns = `
	id, guild_id, name, format, team_size, status,
	registration_close_at, start_at, current_round,
	winner_participant_id, winner_name, grand_finals_reset,
	created_by_kind, created_by_id, created_at`

func (r *postgresTournamentRepository) Create(ctx context.Context, t *models.Tournament) error {
	query := `
		INSERT INTO tournaments (
			guild_id, name, format, team_size, status,
			registration_close_at, start_at, current_round,
			grand_finals_reset, created_by_kind, created_by_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		t.GuildID, t.Name, t.Format, t.TeamSize, t.Status,
		t.RegistrationCloseAt, t.StartAt, t.CurrentRound,
		t.GrandFinalsReset, t.CreatedBy.Kind, t.CreatedBy.ID,
	).Scan(&t.ID, &t.CreatedAt)

	return r.handleTournamentError(err)
}

func (r *postgresTournamentRepository) GetByID(ctx context.Context, guildID string, id int) (*models.Tournament, error) {
	query := `SELECT` + tournamentColumns + ` FROM tournaments WHERE id = $1 AND guild_id = $2`

	t, err := scanTournament(r.db.QueryRowContext(ctx, query, id, guildID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTournamentNotFound
		}
		return nil, fmt.Errorf("failed to scan tournament %d: %w", id, err)
	}
	return t, nil
}

func (r *postgresTournamentRepository) List(ctx context.Context, filter ListTournamentsFilter) ([]*models.Tournament, error) {
	var b strings.Builder
	b.WriteString(`SELECT` + tournamentColumns + ` FROM tournaments WHERE 1=1`)

	args := []interface{}{}
	idx := 1
	if filter.GuildID != nil {
		b.WriteString(" AND guild_id = $" + strconv.Itoa(idx))
		args = append(args, *filter.GuildID)
		idx++
	}
	if len(filter.Statuses) > 0 {
		b.WriteString(" AND status = ANY($" + strconv.Itoa(idx) + ")")
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		idx++
	}
	b.WriteString(" ORDER BY start_at ASC, id ASC")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(filter.Offset))
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tournaments: %w", err)
	}
	defer rows.Close()

	tournaments := make([]*models.Tournament, 0)
	for rows.Next() {
		t, scanErr := scanTournament(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan tournament row: %w", scanErr)
		}
		tournaments = append(tournaments, t)
	}
	return tournaments, rows.Err()
}

func (r *postgresTournamentRepository) UpdateStatus(ctx context.Context, exec SQLExecutor, id int, status models.TournamentStatus) error {
	result, err := r.exec(exec).ExecContext(ctx,
		`UPDATE tournaments SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update tournament %d status: %w", id, err)
	}
	return requireRow(result, ErrTournamentNotFound)
}

func (r *postgresTournamentRepository) UpdateCurrentRound(ctx context.Context, exec SQLExecutor, id int, round int) error {
	result, err := r.exec(exec).ExecContext(ctx,
		`UPDATE tournaments SET current_round = $1 WHERE id = $2`, round, id)
	if err != nil {
		return fmt.Errorf("failed to update tournament %d round: %w", id, err)
	}
	return requireRow(result, ErrTournamentNotFound)
}

func (r *postgresTournamentRepository) SetWinner(ctx context.Context, exec SQLExecutor, id int, winnerParticipantID int, winnerName string) error {
	result, err := r.exec(exec).ExecContext(ctx, `
		UPDATE tournaments
		SET winner_participant_id = $1, winner_name = $2
		WHERE id = $3 AND winner_participant_id IS NULL`,
		winnerParticipantID, winnerName, id)
	if err != nil {
		return fmt.Errorf("failed to set tournament %d winner: %w", id, err)
	}
	return requireRow(result, ErrTournamentWinnerStale)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTournament(row rowScanner) (*models.Tournament, error) {
	t := &models.Tournament{}
	err := row.Scan(
		&t.ID, &t.GuildID, &t.Name, &t.Format, &t.TeamSize, &t.Status,
		&t.RegistrationCloseAt, &t.StartAt, &t.CurrentRound,
		&t.WinnerParticipantID, &t.WinnerName, &t.GrandFinalsReset,
		&t.CreatedBy.Kind, &t.CreatedBy.ID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func requireRow(result sql.Result, missing error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}

func (r *postgresTournamentRepository) handleTournamentError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" && pqErr.Constraint == "tournaments_guild_id_name_key" {
			return ErrTournamentNameConflict
		}
	}
	return fmt.Errorf("tournament repository: %w", err)
}
