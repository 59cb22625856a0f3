package models

import "time"

// TournamentFormat определяет тип сетки турнира.
type TournamentFormat string

const (
	FormatSingleElimination TournamentFormat = "single_elim"
	FormatDoubleElimination TournamentFormat = "double_elim"
	FormatRoundRobin        TournamentFormat = "round_robin"
)

func (f TournamentFormat) Valid() bool {
	switch f {
	case FormatSingleElimination, FormatDoubleElimination, FormatRoundRobin:
		return true
	}
	return false
}

// TournamentStatus представляет статусы турнира, соответствующие ENUM в БД.
type TournamentStatus string

const (
	StatusOpen      TournamentStatus = "open"
	StatusClosed    TournamentStatus = "closed"
	StatusActive    TournamentStatus = "active"
	StatusCompleted TournamentStatus = "completed"
	StatusCancelled TournamentStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TournamentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Tournament представляет турнир.
type Tournament struct {
	ID                  int              `json:"id" db:"id"`
	GuildID             string           `json:"guild_id" db:"guild_id"`
	Name                string           `json:"name" db:"name"`
	Format              TournamentFormat `json:"format" db:"format"`
	TeamSize            int              `json:"team_size" db:"team_size"`
	Status              TournamentStatus `json:"status" db:"status"`
	RegistrationCloseAt time.Time        `json:"registration_close_at" db:"registration_close_at"`
	StartAt             time.Time        `json:"start_at" db:"start_at"`
	CurrentRound        int              `json:"current_round" db:"current_round"`
	WinnerParticipantID *int             `json:"winner_participant_id,omitempty" db:"winner_participant_id"`
	WinnerName          *string          `json:"winner_name,omitempty" db:"winner_name"`
	GrandFinalsReset    bool             `json:"grand_finals_reset" db:"grand_finals_reset"`
	CreatedBy           ActorRef         `json:"created_by" db:"-"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`

	// Опциональные связанные сущности (не мапятся напрямую)
	Participants []Participant `json:"participants,omitempty" db:"-"`
	Matches      []Match       `json:"matches,omitempty" db:"-"`
}
