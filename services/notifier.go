package services

import (
	"context"

	"github.com/tournabot/engine/models"
)

// События жизненного цикла, публикуемые в каналы уведомлений.
const (
	EventTournamentCreated   = "tournament_created"
	EventParticipantJoined   = "participant_joined"
	EventParticipantLeft     = "participant_left"
	EventRegistrationClosed  = "registration_closed"
	EventTournamentStarted   = "tournament_started"
	EventTournamentCancelled = "tournament_cancelled"
	EventTournamentCompleted = "tournament_completed"
	EventRoundAdvanced       = "round_advanced"
	EventMatchReady          = "match_ready"
	EventResultReported      = "result_reported"
	EventResultConfirmed     = "result_confirmed"
	EventResultDisputed      = "result_disputed"
	EventMatchBye            = "match_bye"
)

// TournamentUpdate — снимок состояния турнира для подписчиков области
// (guild). Standings заполняется для round robin и при завершении.
type TournamentUpdate struct {
	Event      string             `json:"event"`
	Tournament *models.Tournament `json:"tournament"`
	Standings  []models.Standing  `json:"standings,omitempty"`
}

// MatchUpdate публикуется в тред конкретного матча.
type MatchUpdate struct {
	Event string        `json:"event"`
	Match *models.Match `json:"match"`
}

// Notifier абстрагирует канал доставки уведомлений (websocket-хаб,
// бот мессенджера и т.п.). Реализации должны быть устойчивы к
// отсутствию подписчиков: недоставленное уведомление не ошибка.
type Notifier interface {
	PostTournamentUpdate(ctx context.Context, guildID string, update TournamentUpdate) error
	CreateMatchThread(ctx context.Context, guildID string, match *models.Match) (string, error)
	PostMatchUpdate(ctx context.Context, threadRef string, update MatchUpdate) error
	ArchiveThread(ctx context.Context, threadRef string) error
}
