package models

import "time"

// RefKind различает виды участников: одиночный игрок или команда.
type RefKind string

const (
	RefUser RefKind = "user"
	RefTeam RefKind = "team"
)

// ParticipantRef identifies the external entity behind a participant slot.
// The kind and the platform ID travel together end-to-end; nothing in the
// engine encodes them into a single composite string.
type ParticipantRef struct {
	Kind RefKind `json:"kind" db:"kind"`
	ID   string  `json:"id" db:"external_id"`
}

func (r ParticipantRef) Zero() bool {
	return r.Kind == "" && r.ID == ""
}

// ActorKind расширяет RefKind служебными субъектами.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorTeam   ActorKind = "team"
	ActorAdmin  ActorKind = "admin"
	ActorSystem ActorKind = "system"
)

// ActorRef attributes an action (report, confirm, cancel) to its originator.
type ActorRef struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// SystemActor is used for engine-initiated mutations such as bye advancement.
var SystemActor = ActorRef{Kind: ActorSystem}

func (a ActorRef) IsAdmin() bool  { return a.Kind == ActorAdmin }
func (a ActorRef) IsSystem() bool { return a.Kind == ActorSystem }

// Participant представляет зарегистрированного участника турнира.
type Participant struct {
	ID           int            `json:"id" db:"id"`
	TournamentID int            `json:"tournament_id" db:"tournament_id"`
	Ref          ParticipantRef `json:"ref" db:"-"`
	DisplayName  string         `json:"display_name" db:"display_name"`
	Eliminated   bool           `json:"eliminated" db:"eliminated"`
	JoinedAt     time.Time      `json:"joined_at" db:"joined_at"`
}
