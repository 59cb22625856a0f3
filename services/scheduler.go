package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/repositories"
)

// PhaseHandler получает срабатывания таймеров фаз турнира. Реализация
// обязана перечитать турнир из базы и молча игнорировать срабатывания,
// которые уже неактуальны (статус успел измениться).
type PhaseHandler interface {
	HandleRegistrationClose(ctx context.Context, guildID string, tournamentID int) error
	HandleStart(ctx context.Context, guildID string, tournamentID int) error
}

type tournamentTimers struct {
	close clockwork.Timer
	start clockwork.Timer
}

func (t *tournamentTimers) stop() {
	if t.close != nil {
		t.close.Stop()
	}
	if t.start != nil {
		t.start.Stop()
	}
}

// Scheduler держит по паре таймеров (закрытие регистрации, старт) на
// каждый нетерминальный турнир. Таймеры не переживают рестарт процесса:
// Recover восстанавливает их из абсолютных меток времени в базе, а
// просроченные фазы доигрывает сразу в хронологическом порядке.
type Scheduler struct {
	tournamentRepo repositories.TournamentRepository
	clock          clockwork.Clock
	logger         *slog.Logger

	mu      sync.Mutex
	handler PhaseHandler
	timers  map[int]*tournamentTimers
}

func NewScheduler(tournamentRepo repositories.TournamentRepository, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tournamentRepo: tournamentRepo,
		clock:          clock,
		logger:         logger,
		timers:         make(map[int]*tournamentTimers),
	}
}

// Recover привязывает обработчик фаз и восстанавливает таймеры всех
// турниров в статусах open и closed. Вызывается один раз на старте
// процесса, до приёма внешних запросов.
func (s *Scheduler) Recover(ctx context.Context, handler PhaseHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	pending, err := s.tournamentRepo.List(ctx, repositories.ListTournamentsFilter{
		Statuses: []models.TournamentStatus{models.StatusOpen, models.StatusClosed},
	})
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, t := range pending {
		if t.Status == models.StatusOpen && !t.RegistrationCloseAt.After(now) {
			s.logger.Info("catching up overdue registration close",
				slog.Int("tournament_id", t.ID))
			if err := handler.HandleRegistrationClose(ctx, t.GuildID, t.ID); err != nil {
				s.logger.Error("registration close catch-up failed",
					slog.Int("tournament_id", t.ID), slog.Any("error", err))
				continue
			}
			// Закрытие могло отменить турнир; перечитываем перед стартом.
			t, err = s.tournamentRepo.GetByID(ctx, t.GuildID, t.ID)
			if err != nil {
				s.logger.Error("reload after catch-up failed", slog.Any("error", err))
				continue
			}
		}
		if t.Status == models.StatusClosed && !t.StartAt.After(now) {
			s.logger.Info("catching up overdue start", slog.Int("tournament_id", t.ID))
			if err := handler.HandleStart(ctx, t.GuildID, t.ID); err != nil {
				s.logger.Error("start catch-up failed",
					slog.Int("tournament_id", t.ID), slog.Any("error", err))
			}
			continue
		}
		s.Schedule(t)
	}
	return nil
}

// Schedule ставит таймеры под текущий статус турнира, заменяя прежние.
// Для статусов вне open/closed снимает всё, что было.
func (s *Scheduler) Schedule(t *models.Tournament) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[t.ID]; ok {
		old.stop()
		delete(s.timers, t.ID)
	}
	if t.Status != models.StatusOpen && t.Status != models.StatusClosed {
		return
	}

	guildID, id := t.GuildID, t.ID
	tt := &tournamentTimers{}
	now := s.clock.Now()
	if t.Status == models.StatusOpen {
		tt.close = s.clock.AfterFunc(t.RegistrationCloseAt.Sub(now), func() {
			s.fire(id, "registration close", func(ctx context.Context, h PhaseHandler) error {
				return h.HandleRegistrationClose(ctx, guildID, id)
			})
		})
	}
	tt.start = s.clock.AfterFunc(t.StartAt.Sub(now), func() {
		s.fire(id, "start", func(ctx context.Context, h PhaseHandler) error {
			return h.HandleStart(ctx, guildID, id)
		})
	})
	s.timers[t.ID] = tt
}

// Cancel снимает таймеры турнира. Повторный вызов безвреден.
func (s *Scheduler) Cancel(tournamentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tt, ok := s.timers[tournamentID]; ok {
		tt.stop()
		delete(s.timers, tournamentID)
	}
}

func (s *Scheduler) fire(tournamentID int, phase string, run func(context.Context, PhaseHandler) error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		s.logger.Error("timer fired before scheduler recovery", slog.Int("tournament_id", tournamentID))
		return
	}

	// Обработчик сам проверит, что переход всё ещё уместен.
	if err := run(context.Background(), h); err != nil {
		s.logger.Error("phase timer handling failed",
			slog.Int("tournament_id", tournamentID),
			slog.String("phase", phase),
			slog.Any("error", err))
	}
}
