package models

import "time"

type MatchStatus string

const (
	MatchStatusPending    MatchStatus = "pending"
	MatchStatusReady      MatchStatus = "ready"
	MatchStatusInProgress MatchStatus = "in_progress"
	MatchStatusBye        MatchStatus = "bye"
	MatchStatusCompleted  MatchStatus = "completed"
)

// Reportable reports whether a result may be filed for a match in this state.
func (s MatchStatus) Reportable() bool {
	return s == MatchStatusReady || s == MatchStatusInProgress
}

// BracketSection помечает, к какой части сетки относится матч.
type BracketSection string

const (
	BracketSingle           BracketSection = "single"
	BracketWinners          BracketSection = "winners"
	BracketLosers           BracketSection = "losers"
	BracketGrandFinals      BracketSection = "grand_finals"
	BracketGrandFinalsReset BracketSection = "grand_finals_reset"
	BracketRoundRobin       BracketSection = "round_robin"
)

// Match представляет один узел сетки турнира.
//
// NextMatchID/NextSlot указывают, куда продвигается победитель;
// LoserNextMatchID/LoserNextSlot — куда выбывает проигравший (только
// верхняя сетка double elimination). Для round robin обе связи пусты.
type Match struct {
	ID           int            `json:"id" db:"id"`
	TournamentID int            `json:"tournament_id" db:"tournament_id"`
	Bracket      BracketSection `json:"bracket" db:"bracket"`
	Round        int            `json:"round" db:"round"`
	OrderInRound int            `json:"order_in_round" db:"order_in_round"`
	BracketUID   string         `json:"bracket_uid" db:"bracket_uid"`

	Participant1ID *int `json:"participant1_id,omitempty" db:"p1_participant_id"`
	Participant2ID *int `json:"participant2_id,omitempty" db:"p2_participant_id"`

	Status MatchStatus `json:"status" db:"status"`

	ReportedWinnerID    *int      `json:"reported_winner_id,omitempty" db:"reported_winner_id"`
	ReportedBy          *ActorRef `json:"reported_by,omitempty" db:"-"`
	WinnerParticipantID *int      `json:"winner_participant_id,omitempty" db:"winner_participant_id"`

	NextMatchID      *int `json:"next_match_id,omitempty" db:"next_match_id"`
	NextSlot         *int `json:"next_slot,omitempty" db:"next_slot"`
	LoserNextMatchID *int `json:"loser_next_match_id,omitempty" db:"loser_next_match_id"`
	LoserNextSlot    *int `json:"loser_next_slot,omitempty" db:"loser_next_slot"`

	ThreadRef *string   `json:"thread_ref,omitempty" db:"thread_ref"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HasParticipant reports whether the given participant occupies one of the
// two slots.
func (m *Match) HasParticipant(participantID int) bool {
	if m.Participant1ID != nil && *m.Participant1ID == participantID {
		return true
	}
	if m.Participant2ID != nil && *m.Participant2ID == participantID {
		return true
	}
	return false
}

// Opponent returns the other slot's participant, if any.
func (m *Match) Opponent(participantID int) *int {
	if m.Participant1ID != nil && *m.Participant1ID == participantID {
		return m.Participant2ID
	}
	if m.Participant2ID != nil && *m.Participant2ID == participantID {
		return m.Participant1ID
	}
	return nil
}
