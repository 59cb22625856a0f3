package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tournabot/engine/brackets"
	"github.com/tournabot/engine/metrics"
	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/repositories"
)

// TimerScheduler — срез планировщика, нужный турнирному сервису.
type TimerScheduler interface {
	Schedule(t *models.Tournament)
	Cancel(tournamentID int)
}

// CreateTournamentParams — входные данные создания турнира.
type CreateTournamentParams struct {
	GuildID             string
	Name                string
	Format              models.TournamentFormat
	TeamSize            int
	RegistrationCloseAt time.Time
	StartAt             time.Time
	// nil означает значение по умолчанию (true). Имеет смысл только
	// для double elimination.
	GrandFinalsReset *bool
	CreatedBy        models.ActorRef
}

// TournamentDetail — агрегированное представление турнира.
type TournamentDetail struct {
	Tournament   *models.Tournament    `json:"tournament"`
	Participants []*models.Participant `json:"participants"`
	Matches      []*models.Match       `json:"matches"`
	Standings    []models.Standing     `json:"standings,omitempty"`
}

// TournamentService управляет жизненным циклом турнира:
// open -> closed -> active -> completed, с cancelled из любого
// нетерминального статуса.
type TournamentService interface {
	Create(ctx context.Context, params CreateTournamentParams) (*models.Tournament, error)
	GetDetail(ctx context.Context, guildID string, id int) (*TournamentDetail, error)
	List(ctx context.Context, guildID string, includeFinished bool) ([]*models.Tournament, error)

	Join(ctx context.Context, guildID string, id int, ref models.ParticipantRef, displayName string) (*models.Participant, error)
	Leave(ctx context.Context, guildID string, id int, ref models.ParticipantRef) error

	// ForceStart закрывает регистрацию (если ещё открыта) и немедленно
	// активирует турнир. Только для админов.
	ForceStart(ctx context.Context, guildID string, id int, actor models.ActorRef) error
	// Cancel переводит турнир в cancelled. Повторная отмена — no-op.
	Cancel(ctx context.Context, guildID string, id int, actor models.ActorRef) error

	// PhaseHandler: срабатывания таймеров фаз.
	HandleRegistrationClose(ctx context.Context, guildID string, tournamentID int) error
	HandleStart(ctx context.Context, guildID string, tournamentID int) error
}

var validTransitions = map[models.TournamentStatus][]models.TournamentStatus{
	models.StatusOpen:   {models.StatusClosed, models.StatusCancelled},
	models.StatusClosed: {models.StatusActive, models.StatusCancelled},
	models.StatusActive: {models.StatusCompleted, models.StatusCancelled},
}

func isValidTransition(from, to models.TournamentStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type tournamentService struct {
	db              *sql.DB
	tournamentRepo  repositories.TournamentRepository
	participantRepo repositories.ParticipantRepository
	matchRepo       repositories.MatchRepository
	bracketService  BracketService
	matchService    MatchService
	scheduler       TimerScheduler
	notifier        Notifier
	economy         EconomyGateway
	locks           *TournamentLocks
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func NewTournamentService(
	db *sql.DB,
	tournamentRepo repositories.TournamentRepository,
	participantRepo repositories.ParticipantRepository,
	matchRepo repositories.MatchRepository,
	bracketService BracketService,
	matchService MatchService,
	scheduler TimerScheduler,
	notifier Notifier,
	economy EconomyGateway,
	locks *TournamentLocks,
	m *metrics.Metrics,
	logger *slog.Logger,
) TournamentService {
	return &tournamentService{
		db:              db,
		tournamentRepo:  tournamentRepo,
		participantRepo: participantRepo,
		matchRepo:       matchRepo,
		bracketService:  bracketService,
		matchService:    matchService,
		scheduler:       scheduler,
		notifier:        notifier,
		economy:         economy,
		locks:           locks,
		metrics:         m,
		logger:          logger,
	}
}

func (s *tournamentService) Create(ctx context.Context, params CreateTournamentParams) (*models.Tournament, error) {
	if err := validateCreateParams(params); err != nil {
		return nil, err
	}

	reset := true
	if params.GrandFinalsReset != nil {
		reset = *params.GrandFinalsReset
	}
	t := &models.Tournament{
		GuildID:             params.GuildID,
		Name:                strings.TrimSpace(params.Name),
		Format:              params.Format,
		TeamSize:            params.TeamSize,
		Status:              models.StatusOpen,
		RegistrationCloseAt: params.RegistrationCloseAt.UTC(),
		StartAt:             params.StartAt.UTC(),
		GrandFinalsReset:    reset,
		CreatedBy:           params.CreatedBy,
	}
	if err := s.tournamentRepo.Create(ctx, t); err != nil {
		return nil, err
	}

	s.scheduler.Schedule(t)
	s.metrics.TournamentsCreated.WithLabelValues(string(t.Format)).Inc()
	s.logger.Info("tournament created",
		slog.Int("tournament_id", t.ID),
		slog.String("guild_id", t.GuildID),
		slog.String("format", string(t.Format)))
	s.postUpdate(ctx, t.GuildID, EventTournamentCreated, t, nil)
	return t, nil
}

func validateCreateParams(params CreateTournamentParams) error {
	if strings.TrimSpace(params.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !params.Format.Valid() {
		return fmt.Errorf("%w: unknown format %q", ErrValidation, params.Format)
	}
	if params.TeamSize < 1 {
		return fmt.Errorf("%w: team size must be at least 1", ErrValidation)
	}
	if params.GuildID == "" {
		return fmt.Errorf("%w: guild id is required", ErrValidation)
	}
	if params.RegistrationCloseAt.IsZero() || params.StartAt.IsZero() {
		return fmt.Errorf("%w: registration close and start times are required", ErrValidation)
	}
	if params.StartAt.Before(params.RegistrationCloseAt) {
		return fmt.Errorf("%w: start must not precede registration close", ErrValidation)
	}
	return nil
}

func (s *tournamentService) GetDetail(ctx context.Context, guildID string, id int) (*TournamentDetail, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, id)
	if err != nil {
		return nil, err
	}

	detail := &TournamentDetail{Tournament: t}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		participants, err := s.participantRepo.ListByTournament(gctx, id)
		if err != nil {
			return err
		}
		detail.Participants = participants
		return nil
	})
	g.Go(func() error {
		matches, err := s.matchRepo.ListByTournament(gctx, id, nil)
		if err != nil {
			return err
		}
		detail.Matches = matches
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Для round robin таблица считается на лету из сыгранных матчей.
	if t.Format == models.FormatRoundRobin && t.Status != models.StatusOpen {
		detail.Standings = brackets.ComputeStandings(detail.Participants, detail.Matches)
	}
	return detail, nil
}

func (s *tournamentService) List(ctx context.Context, guildID string, includeFinished bool) ([]*models.Tournament, error) {
	filter := repositories.ListTournamentsFilter{GuildID: &guildID}
	if !includeFinished {
		filter.Statuses = []models.TournamentStatus{
			models.StatusOpen, models.StatusClosed, models.StatusActive,
		}
	}
	return s.tournamentRepo.List(ctx, filter)
}

func (s *tournamentService) Join(ctx context.Context, guildID string, id int, ref models.ParticipantRef, displayName string) (*models.Participant, error) {
	if ref.Zero() || strings.TrimSpace(displayName) == "" {
		return nil, fmt.Errorf("%w: participant ref and display name are required", ErrValidation)
	}

	unlock := s.locks.Lock(id)
	p, t, err := s.joinLocked(ctx, guildID, id, ref, displayName)
	unlock()
	if err != nil {
		return nil, err
	}

	s.postUpdate(ctx, t.GuildID, EventParticipantJoined, t, nil)
	return p, nil
}

func (s *tournamentService) joinLocked(ctx context.Context, guildID string, id int, ref models.ParticipantRef, displayName string) (*models.Participant, *models.Tournament, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != models.StatusOpen {
		return nil, nil, ErrRegistrationNotOpen
	}
	if t.TeamSize > 1 && ref.Kind != models.RefTeam {
		return nil, nil, ErrParticipantKindMismatch
	}
	if t.TeamSize == 1 && ref.Kind != models.RefUser {
		return nil, nil, ErrParticipantKindMismatch
	}

	_, err = s.participantRepo.FindByRef(ctx, id, ref)
	if err == nil {
		return nil, nil, ErrAlreadyRegistered
	}
	if !errors.Is(err, repositories.ErrParticipantNotFound) {
		return nil, nil, err
	}

	p := &models.Participant{
		TournamentID: id,
		Ref:          ref,
		DisplayName:  strings.TrimSpace(displayName),
	}
	if err := s.participantRepo.Create(ctx, p); err != nil {
		return nil, nil, err
	}
	return p, t, nil
}

func (s *tournamentService) Leave(ctx context.Context, guildID string, id int, ref models.ParticipantRef) error {
	unlock := s.locks.Lock(id)
	t, err := s.leaveLocked(ctx, guildID, id, ref)
	unlock()
	if err != nil {
		return err
	}

	s.postUpdate(ctx, t.GuildID, EventParticipantLeft, t, nil)
	return nil
}

func (s *tournamentService) leaveLocked(ctx context.Context, guildID string, id int, ref models.ParticipantRef) (*models.Tournament, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, id)
	if err != nil {
		return nil, err
	}
	// После закрытия регистрации состав фиксируется.
	if t.Status != models.StatusOpen {
		return nil, ErrRegistrationNotOpen
	}
	p, err := s.participantRepo.FindByRef(ctx, id, ref)
	if err != nil {
		return nil, err
	}
	if err := s.participantRepo.Delete(ctx, p.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *tournamentService) HandleRegistrationClose(ctx context.Context, guildID string, tournamentID int) error {
	s.metrics.PhaseTimersFired.WithLabelValues("registration_close").Inc()
	return s.closeRegistration(ctx, guildID, tournamentID)
}

func (s *tournamentService) closeRegistration(ctx context.Context, guildID string, tournamentID int) error {
	unlock := s.locks.Lock(tournamentID)
	t, cancelled, err := s.closeLocked(ctx, guildID, tournamentID)
	unlock()
	if err != nil || t == nil {
		return err
	}

	if cancelled {
		s.finishCancellation(ctx, t, true)
		return nil
	}
	s.postUpdate(ctx, t.GuildID, EventRegistrationClosed, t, nil)
	return nil
}

// closeLocked возвращает nil-турнир, когда закрытие уже неактуально.
func (s *tournamentService) closeLocked(ctx context.Context, guildID string, tournamentID int) (*models.Tournament, bool, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, tournamentID)
	if err != nil {
		return nil, false, err
	}
	if t.Status != models.StatusOpen {
		// Таймер пережил смену статуса; это не ошибка.
		return nil, false, nil
	}

	participants, err := s.participantRepo.ListByTournament(ctx, tournamentID)
	if err != nil {
		return nil, false, err
	}
	if len(participants) < 2 {
		// Некому играть: отмена с возвратом взносов.
		if err := s.tournamentRepo.UpdateStatus(ctx, s.db, t.ID, models.StatusCancelled); err != nil {
			return nil, false, err
		}
		t.Status = models.StatusCancelled
		s.logger.Info("tournament cancelled for lack of participants",
			slog.Int("tournament_id", t.ID), slog.Int("participants", len(participants)))
		return t, true, nil
	}

	if err := s.tournamentRepo.UpdateStatus(ctx, s.db, t.ID, models.StatusClosed); err != nil {
		return nil, false, err
	}
	t.Status = models.StatusClosed
	return t, false, nil
}

func (s *tournamentService) HandleStart(ctx context.Context, guildID string, tournamentID int) error {
	s.metrics.PhaseTimersFired.WithLabelValues("start").Inc()
	// При registrationCloseAt == startAt оба таймера срабатывают
	// одновременно, и старт может выиграть блокировку у закрытия.
	// Старт подразумевает закрытую регистрацию, поэтому фаза закрытия
	// отрабатывается здесь же; для уже закрытого турнира это no-op.
	if err := s.closeRegistration(ctx, guildID, tournamentID); err != nil {
		return err
	}
	return s.start(ctx, guildID, tournamentID)
}

func (s *tournamentService) start(ctx context.Context, guildID string, tournamentID int) error {
	unlock := s.locks.Lock(tournamentID)
	t, created, err := s.startLocked(ctx, guildID, tournamentID)
	unlock()
	if err != nil || t == nil {
		return err
	}

	s.scheduler.Cancel(t.ID)
	s.postUpdate(ctx, t.GuildID, EventTournamentStarted, t, nil)

	// Сначала треды готовых матчей, затем продвижение bye: bye может
	// перевести следующий матч в ready и сам создать ему тред.
	for _, m := range created {
		if m.Status == models.MatchStatusReady {
			if err := s.matchService.AnnounceMatchReady(ctx, t, m.ID); err != nil {
				s.logger.Error("initial match announcement failed",
					slog.Int("match_id", m.ID), slog.Any("error", err))
			}
		}
	}
	for _, m := range created {
		if m.Status == models.MatchStatusBye {
			if err := s.matchService.ProcessBye(ctx, t, m.ID); err != nil {
				return fmt.Errorf("process bye for match %d: %w", m.ID, err)
			}
		}
	}
	return nil
}

// startLocked возвращает nil-турнир, когда старт уже неактуален.
func (s *tournamentService) startLocked(ctx context.Context, guildID string, tournamentID int) (*models.Tournament, []*models.Match, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != models.StatusClosed {
		if t.Status == models.StatusActive || t.Status.Terminal() {
			return nil, nil, nil
		}
		return nil, nil, ErrInvalidTransition
	}

	participants, err := s.participantRepo.ListByTournament(ctx, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	if len(participants) < 2 {
		return nil, nil, ErrInsufficientParticipants
	}

	created, err := s.bracketService.GenerateAndSaveBracket(ctx, t, participants)
	if err != nil {
		return nil, nil, err
	}
	if err := s.tournamentRepo.UpdateStatus(ctx, s.db, t.ID, models.StatusActive); err != nil {
		return nil, nil, err
	}
	if err := s.tournamentRepo.UpdateCurrentRound(ctx, s.db, t.ID, 1); err != nil {
		return nil, nil, err
	}
	t.Status = models.StatusActive
	t.CurrentRound = 1
	s.logger.Info("tournament started",
		slog.Int("tournament_id", t.ID),
		slog.Int("participants", len(participants)),
		slog.Int("matches", len(created)))
	return t, created, nil
}

func (s *tournamentService) ForceStart(ctx context.Context, guildID string, id int, actor models.ActorRef) error {
	if !actor.IsAdmin() {
		return ErrNotAParticipant
	}

	unlock := s.locks.Lock(id)
	t, err := s.tournamentRepo.GetByID(ctx, guildID, id)
	if err != nil {
		unlock()
		return err
	}
	if t.Status == models.StatusOpen {
		participants, err := s.participantRepo.ListByTournament(ctx, id)
		if err != nil {
			unlock()
			return err
		}
		if len(participants) < 2 {
			unlock()
			return ErrInsufficientParticipants
		}
		if err := s.tournamentRepo.UpdateStatus(ctx, s.db, id, models.StatusClosed); err != nil {
			unlock()
			return err
		}
	} else if t.Status != models.StatusClosed {
		unlock()
		return ErrInvalidTransition
	}
	unlock()

	return s.start(ctx, guildID, id)
}

func (s *tournamentService) Cancel(ctx context.Context, guildID string, id int, actor models.ActorRef) error {
	if !actor.IsAdmin() && !actor.IsSystem() {
		return ErrNotAParticipant
	}

	unlock := s.locks.Lock(id)
	t, refund, err := s.cancelLocked(ctx, guildID, id)
	unlock()
	if err != nil || t == nil {
		return err
	}

	s.finishCancellation(ctx, t, refund)
	return nil
}

// cancelLocked возвращает nil-турнир для повторной отмены (идемпотентный
// успех) и ErrInvalidTransition для завершённого турнира.
func (s *tournamentService) cancelLocked(ctx context.Context, guildID string, id int) (*models.Tournament, bool, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, id)
	if err != nil {
		return nil, false, err
	}
	if t.Status == models.StatusCancelled {
		return nil, false, nil
	}
	if !isValidTransition(t.Status, models.StatusCancelled) {
		return nil, false, ErrInvalidTransition
	}

	refund := t.Status == models.StatusOpen || t.Status == models.StatusClosed
	if err := s.tournamentRepo.UpdateStatus(ctx, s.db, id, models.StatusCancelled); err != nil {
		return nil, false, err
	}
	t.Status = models.StatusCancelled
	return t, refund, nil
}

// finishCancellation выполняет внешние эффекты отмены после снятия
// блокировки: таймеры, возврат взносов, уведомление.
func (s *tournamentService) finishCancellation(ctx context.Context, t *models.Tournament, refund bool) {
	s.scheduler.Cancel(t.ID)
	s.metrics.TournamentsCancelled.Inc()
	if refund {
		if err := s.economy.RefundEntryFees(ctx, t.GuildID, t.ID); err != nil {
			s.logger.Error("entry fee refund failed",
				slog.Int("tournament_id", t.ID), slog.Any("error", err))
		}
	}
	s.postUpdate(ctx, t.GuildID, EventTournamentCancelled, t, nil)
}

func (s *tournamentService) postUpdate(ctx context.Context, guildID, event string, t *models.Tournament, standings []models.Standing) {
	if err := s.notifier.PostTournamentUpdate(ctx, guildID, TournamentUpdate{
		Event:      event,
		Tournament: t,
		Standings:  standings,
	}); err != nil {
		s.logger.Error("post tournament update failed",
			slog.String("event", event), slog.Any("error", err))
	}
}
