package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tournabot/engine/models"
)

// WizardStep — текущий ожидаемый шаг диалога создания турнира.
type WizardStep string

const (
	StepName     WizardStep = "name"
	StepFormat   WizardStep = "format"
	StepTeamSize WizardStep = "team_size"
	StepSchedule WizardStep = "schedule"
	StepConfirm  WizardStep = "confirm"
)

// wizardTTL — срок жизни незавершённой сессии.
const wizardTTL = 10 * time.Minute

// WizardSession накапливает ответы пошагового диалога. Сессия живёт в
// памяти процесса: брошенный диалог просто истекает, турнир создаётся
// только на Commit.
type WizardSession struct {
	ID        string                 `json:"id"`
	GuildID   string                 `json:"guild_id"`
	CreatedBy models.ActorRef        `json:"created_by"`
	Step      WizardStep             `json:"step"`
	Draft     CreateTournamentParams `json:"draft"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// WizardAnswer — ответ на текущий шаг; читается только поле, которое
// соответствует шагу сессии.
type WizardAnswer struct {
	Name                string                  `json:"name,omitempty"`
	Format              models.TournamentFormat `json:"format,omitempty"`
	TeamSize            int                     `json:"team_size,omitempty"`
	RegistrationCloseAt time.Time               `json:"registration_close_at,omitempty"`
	StartAt             time.Time               `json:"start_at,omitempty"`
	GrandFinalsReset    *bool                   `json:"grand_finals_reset,omitempty"`
}

type WizardService interface {
	Begin(ctx context.Context, guildID string, createdBy models.ActorRef) (*WizardSession, error)
	Answer(ctx context.Context, sessionID string, answer WizardAnswer) (*WizardSession, error)
	// Commit создаёт турнир из собранных ответов и удаляет сессию.
	Commit(ctx context.Context, sessionID string) (*models.Tournament, error)
	Abort(ctx context.Context, sessionID string) error
}

type wizardService struct {
	tournaments TournamentService
	clock       clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*WizardSession
}

func NewWizardService(tournaments TournamentService, clock clockwork.Clock) WizardService {
	return &wizardService{
		tournaments: tournaments,
		clock:       clock,
		sessions:    make(map[string]*WizardSession),
	}
}

func (s *wizardService) Begin(ctx context.Context, guildID string, createdBy models.ActorRef) (*WizardSession, error) {
	if guildID == "" {
		return nil, fmt.Errorf("%w: guild id is required", ErrValidation)
	}

	session := &WizardSession{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		CreatedBy: createdBy,
		Step:      StepName,
		Draft: CreateTournamentParams{
			GuildID:   guildID,
			TeamSize:  1,
			CreatedBy: createdBy,
		},
		ExpiresAt: s.clock.Now().Add(wizardTTL),
	}

	s.mu.Lock()
	s.sweepLocked()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	out := *session
	return &out, nil
}

func (s *wizardService) Answer(ctx context.Context, sessionID string, answer WizardAnswer) (*WizardSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Step {
	case StepName:
		name := strings.TrimSpace(answer.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrValidation)
		}
		session.Draft.Name = name
		session.Step = StepFormat
	case StepFormat:
		if !answer.Format.Valid() {
			return nil, fmt.Errorf("%w: unknown format %q", ErrValidation, answer.Format)
		}
		session.Draft.Format = answer.Format
		session.Draft.GrandFinalsReset = answer.GrandFinalsReset
		session.Step = StepTeamSize
	case StepTeamSize:
		if answer.TeamSize < 1 {
			return nil, fmt.Errorf("%w: team size must be at least 1", ErrValidation)
		}
		session.Draft.TeamSize = answer.TeamSize
		session.Step = StepSchedule
	case StepSchedule:
		now := s.clock.Now()
		if !answer.RegistrationCloseAt.After(now) {
			return nil, fmt.Errorf("%w: registration close must be in the future", ErrValidation)
		}
		if answer.StartAt.Before(answer.RegistrationCloseAt) {
			return nil, fmt.Errorf("%w: start must not precede registration close", ErrValidation)
		}
		session.Draft.RegistrationCloseAt = answer.RegistrationCloseAt
		session.Draft.StartAt = answer.StartAt
		session.Step = StepConfirm
	default:
		return nil, ErrWizardStepMismatch
	}

	session.ExpiresAt = s.clock.Now().Add(wizardTTL)
	out := *session
	return &out, nil
}

func (s *wizardService) Commit(ctx context.Context, sessionID string) (*models.Tournament, error) {
	s.mu.Lock()
	session, err := s.sessionLocked(sessionID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if session.Step != StepConfirm {
		s.mu.Unlock()
		return nil, ErrWizardStepMismatch
	}
	draft := session.Draft
	s.mu.Unlock()

	t, err := s.tournaments.Create(ctx, draft)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return t, nil
}

func (s *wizardService) Abort(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrWizardSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *wizardService) sessionLocked(sessionID string) (*WizardSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok || session.ExpiresAt.Before(s.clock.Now()) {
		delete(s.sessions, sessionID)
		return nil, ErrWizardSessionNotFound
	}
	return session, nil
}

// sweepLocked выбрасывает истёкшие сессии, чтобы карта не росла вечно.
func (s *wizardService) sweepLocked() {
	now := s.clock.Now()
	for id, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, id)
		}
	}
}
