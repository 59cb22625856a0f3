package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tournabot/engine/brackets"
	"github.com/tournabot/engine/metrics"
	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/repositories"
)

// MatchService реализует жизненный цикл матча: заявка результата двумя
// сторонами, подтверждение, спор и продвижение по сетке.
type MatchService interface {
	GetMatch(ctx context.Context, guildID string, matchID int) (*models.Match, error)
	ListMatches(ctx context.Context, guildID string, tournamentID int, status *models.MatchStatus) ([]*models.Match, error)

	// ReportWinner фиксирует заявку результата от одной из сторон.
	// Статус матча не меняется до подтверждения второй стороной.
	ReportWinner(ctx context.Context, guildID string, matchID int, winnerParticipantID int, reporter models.ActorRef) (*models.Match, error)
	// ConfirmWinner подтверждает заявленный результат и продвигает
	// победителя (и проигравшего в double elimination) по сетке.
	// Повторное подтверждение завершённого матча — no-op.
	ConfirmWinner(ctx context.Context, guildID string, matchID int, confirmer models.ActorRef) (*models.Match, error)
	// DisputeWinner сбрасывает заявку и эскалирует конфликт админам.
	DisputeWinner(ctx context.Context, guildID string, matchID int, disputer models.ActorRef) (*models.Match, error)

	// ProcessBye продвигает единственного участника bye-матча. Вызывается
	// движком при активации турнира, не из внешнего API.
	ProcessBye(ctx context.Context, tournament *models.Tournament, matchID int) error
	// AnnounceMatchReady создаёт тред матча и публикует уведомление о
	// готовности. Безопасен к повторным вызовам: существующий тред
	// переиспользуется.
	AnnounceMatchReady(ctx context.Context, tournament *models.Tournament, matchID int) error
}

type matchService struct {
	db              *sql.DB
	tournamentRepo  repositories.TournamentRepository
	participantRepo repositories.ParticipantRepository
	matchRepo       repositories.MatchRepository
	notifier        Notifier
	archiver        BracketArchiver
	locks           *TournamentLocks
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func NewMatchService(
	db *sql.DB,
	tournamentRepo repositories.TournamentRepository,
	participantRepo repositories.ParticipantRepository,
	matchRepo repositories.MatchRepository,
	notifier Notifier,
	archiver BracketArchiver,
	locks *TournamentLocks,
	m *metrics.Metrics,
	logger *slog.Logger,
) MatchService {
	return &matchService{
		db:              db,
		tournamentRepo:  tournamentRepo,
		participantRepo: participantRepo,
		matchRepo:       matchRepo,
		notifier:        notifier,
		archiver:        archiver,
		locks:           locks,
		metrics:         m,
		logger:          logger,
	}
}

func (s *matchService) GetMatch(ctx context.Context, guildID string, matchID int) (*models.Match, error) {
	m, _, err := s.loadMatch(ctx, guildID, matchID)
	return m, err
}

func (s *matchService) ListMatches(ctx context.Context, guildID string, tournamentID int, status *models.MatchStatus) ([]*models.Match, error) {
	if _, err := s.tournamentRepo.GetByID(ctx, guildID, tournamentID); err != nil {
		return nil, err
	}
	return s.matchRepo.ListByTournament(ctx, tournamentID, status)
}

func (s *matchService) ReportWinner(ctx context.Context, guildID string, matchID int, winnerParticipantID int, reporter models.ActorRef) (*models.Match, error) {
	_, t, err := s.loadMatch(ctx, guildID, matchID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(t.ID)
	m, events, err := s.reportLocked(ctx, guildID, t.ID, matchID, winnerParticipantID, reporter)
	unlock()
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, events)
	return m, nil
}

func (s *matchService) reportLocked(ctx context.Context, guildID string, tournamentID, matchID, winnerParticipantID int, reporter models.ActorRef) (*models.Match, []func(context.Context), error) {
	t, m, err := s.reloadLocked(ctx, guildID, tournamentID, matchID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != models.StatusActive || !m.Status.Reportable() {
		return nil, nil, ErrMatchNotReportable
	}
	if !m.HasParticipant(winnerParticipantID) {
		return nil, nil, fmt.Errorf("%w: winner %d is not in match %d", ErrNotAParticipant, winnerParticipantID, m.ID)
	}
	if !reporter.IsAdmin() {
		p, err := s.participantFor(ctx, t.ID, reporter)
		if err != nil {
			return nil, nil, err
		}
		if !m.HasParticipant(p.ID) {
			return nil, nil, ErrNotAParticipant
		}
	}
	if m.ReportedWinnerID != nil {
		if *m.ReportedWinnerID != winnerParticipantID {
			return nil, nil, ErrReportConflict
		}
		return nil, nil, ErrReportAlreadyPending
	}

	m.ReportedWinnerID = &winnerParticipantID
	rb := reporter
	m.ReportedBy = &rb
	if err := s.matchRepo.Update(ctx, s.db, m); err != nil {
		return nil, nil, err
	}

	var events []func(context.Context)
	if m.ThreadRef != nil {
		events = append(events, s.matchUpdateEvent(*m.ThreadRef, EventResultReported, m))
	}
	return m, events, nil
}

func (s *matchService) ConfirmWinner(ctx context.Context, guildID string, matchID int, confirmer models.ActorRef) (*models.Match, error) {
	_, t, err := s.loadMatch(ctx, guildID, matchID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(t.ID)
	m, events, err := s.confirmLocked(ctx, guildID, t.ID, matchID, confirmer)
	unlock()
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, events)
	return m, nil
}

func (s *matchService) confirmLocked(ctx context.Context, guildID string, tournamentID, matchID int, confirmer models.ActorRef) (*models.Match, []func(context.Context), error) {
	t, m, err := s.reloadLocked(ctx, guildID, tournamentID, matchID)
	if err != nil {
		return nil, nil, err
	}
	if m.Status == models.MatchStatusCompleted {
		// Идемпотентность: повторное подтверждение ничего не меняет.
		return m, nil, nil
	}
	if t.Status != models.StatusActive || !m.Status.Reportable() {
		return nil, nil, ErrMatchNotReportable
	}
	if m.ReportedWinnerID == nil {
		return nil, nil, ErrNoReportPending
	}
	if m.ReportedBy != nil && *m.ReportedBy == confirmer {
		return nil, nil, ErrSelfConfirmation
	}
	if !confirmer.IsAdmin() {
		p, err := s.participantFor(ctx, t.ID, confirmer)
		if err != nil {
			return nil, nil, err
		}
		if !m.HasParticipant(p.ID) {
			return nil, nil, ErrNotAParticipant
		}
	}

	var events []func(context.Context)
	if _, err := s.completeLocked(ctx, t, m, *m.ReportedWinnerID, confirmer, &events); err != nil {
		return nil, nil, err
	}
	return m, events, nil
}

func (s *matchService) DisputeWinner(ctx context.Context, guildID string, matchID int, disputer models.ActorRef) (*models.Match, error) {
	_, t, err := s.loadMatch(ctx, guildID, matchID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(t.ID)
	m, events, err := s.disputeLocked(ctx, guildID, t.ID, matchID, disputer)
	unlock()
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, events)
	return m, nil
}

func (s *matchService) disputeLocked(ctx context.Context, guildID string, tournamentID, matchID int, disputer models.ActorRef) (*models.Match, []func(context.Context), error) {
	t, m, err := s.reloadLocked(ctx, guildID, tournamentID, matchID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != models.StatusActive || !m.Status.Reportable() {
		return nil, nil, ErrMatchNotReportable
	}
	if m.ReportedWinnerID == nil {
		return nil, nil, ErrNoReportPending
	}
	if !disputer.IsAdmin() {
		p, err := s.participantFor(ctx, t.ID, disputer)
		if err != nil {
			return nil, nil, err
		}
		if !m.HasParticipant(p.ID) {
			return nil, nil, ErrNotAParticipant
		}
	}

	m.ReportedWinnerID = nil
	m.ReportedBy = nil
	if err := s.matchRepo.Update(ctx, s.db, m); err != nil {
		return nil, nil, err
	}
	s.metrics.ResultDisputes.Inc()

	events := []func(context.Context){
		s.tournamentUpdateEvent(t.GuildID, EventResultDisputed, t, nil),
	}
	if m.ThreadRef != nil {
		events = append(events, s.matchUpdateEvent(*m.ThreadRef, EventResultDisputed, m))
	}
	return m, events, nil
}

func (s *matchService) ProcessBye(ctx context.Context, tournament *models.Tournament, matchID int) error {
	unlock := s.locks.Lock(tournament.ID)
	events, err := s.processByeLocked(ctx, tournament, matchID)
	unlock()
	if err != nil {
		return err
	}

	s.dispatch(ctx, events)
	return nil
}

func (s *matchService) processByeLocked(ctx context.Context, tournament *models.Tournament, matchID int) ([]func(context.Context), error) {
	t, m, err := s.reloadLocked(ctx, tournament.GuildID, tournament.ID, matchID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusActive || m.Status == models.MatchStatusCompleted {
		return nil, nil
	}
	if m.Status != models.MatchStatusBye || m.Participant1ID == nil {
		return nil, fmt.Errorf("%w: match %d is not a bye", ErrMatchNotReportable, matchID)
	}

	var events []func(context.Context)
	if _, err := s.completeLocked(ctx, t, m, *m.Participant1ID, models.SystemActor, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *matchService) AnnounceMatchReady(ctx context.Context, tournament *models.Tournament, matchID int) error {
	m, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return err
	}
	if m.Status != models.MatchStatusReady {
		return nil
	}

	threadRef := m.ThreadRef
	if threadRef == nil {
		// Создание треда — внешний вызов, выполняется без блокировки
		// турнира; сохранение ссылки — короткий повторный захват.
		ref, err := s.notifier.CreateMatchThread(ctx, tournament.GuildID, m)
		if err != nil {
			return fmt.Errorf("create match thread: %w", err)
		}
		unlock := s.locks.Lock(tournament.ID)
		m, err = s.matchRepo.GetByID(ctx, matchID)
		if err == nil && m.ThreadRef == nil {
			m.ThreadRef = &ref
			err = s.matchRepo.Update(ctx, s.db, m)
		}
		unlock()
		if err != nil {
			return err
		}
		threadRef = m.ThreadRef
	}

	if err := s.notifier.PostMatchUpdate(ctx, *threadRef, MatchUpdate{Event: EventMatchReady, Match: m}); err != nil {
		s.logger.Error("announce match ready failed",
			slog.Int("match_id", matchID), slog.Any("error", err))
	}
	return nil
}

// completeLocked завершает матч и продвигает стороны по сетке. Вызывающий
// держит блокировку турнира. Возвращает true, если турнир финализирован.
func (s *matchService) completeLocked(ctx context.Context, t *models.Tournament, m *models.Match, winnerID int, by models.ActorRef, events *[]func(context.Context)) (bool, error) {
	var loserID *int
	if lid := m.Opponent(winnerID); lid != nil {
		loserID = lid
	}

	m.Status = models.MatchStatusCompleted
	m.WinnerParticipantID = &winnerID
	if m.ReportedBy == nil {
		rb := by
		m.ReportedBy = &rb
		m.ReportedWinnerID = &winnerID
	}
	if err := s.matchRepo.Update(ctx, s.db, m); err != nil {
		return false, err
	}
	s.metrics.MatchesCompleted.WithLabelValues(string(m.Bracket)).Inc()

	if m.ThreadRef != nil {
		ref := *m.ThreadRef
		*events = append(*events, s.matchUpdateEvent(ref, EventResultConfirmed, m))
		*events = append(*events, func(ctx context.Context) {
			if err := s.notifier.ArchiveThread(ctx, ref); err != nil {
				s.logger.Error("archive thread failed", slog.String("thread", ref), slog.Any("error", err))
			}
		})
	}

	// Гранд-финал с запланированным reset-матчем: победа чемпиона
	// верхней сетки закрывает reset без игры, победа финалиста нижней
	// сетки заполняет его и заставляет играть.
	wbChampionWins := m.Bracket == models.BracketGrandFinals &&
		m.NextMatchID != nil &&
		m.Participant1ID != nil && *m.Participant1ID == winnerID

	// Проигравший: либо спускается по loser-ссылке, либо выбывает.
	if loserID != nil {
		switch {
		case m.LoserNextMatchID != nil && !wbChampionWins:
			if err := s.fillSlot(ctx, t, *m.LoserNextMatchID, *m.LoserNextSlot, *loserID, events); err != nil {
				return false, err
			}
		case t.Format != models.FormatRoundRobin:
			if err := s.participantRepo.SetEliminated(ctx, s.db, *loserID, true); err != nil {
				return false, err
			}
		}
	}

	finalized := false
	if m.NextMatchID != nil {
		next, err := s.matchRepo.GetByID(ctx, *m.NextMatchID)
		if err != nil {
			return false, err
		}
		if err := s.placeInSlot(next, *m.NextSlot, winnerID); err != nil {
			return false, err
		}
		if wbChampionWins {
			// Reset не нужен: добиваем его как bye тем же победителем.
			if err := s.matchRepo.Update(ctx, s.db, next); err != nil {
				return false, err
			}
			return s.completeLocked(ctx, t, next, winnerID, models.SystemActor, events)
		}
		if next.Participant1ID != nil && next.Participant2ID != nil && next.Status == models.MatchStatusPending {
			next.Status = models.MatchStatusReady
			*events = append(*events, s.announceReadyEvent(t, next.ID))
		}
		if err := s.matchRepo.Update(ctx, s.db, next); err != nil {
			return false, err
		}
	} else if t.Format != models.FormatRoundRobin {
		if err := s.finalizeLocked(ctx, t, winnerID, nil, events); err != nil {
			return false, err
		}
		finalized = true
	}

	all, err := s.matchRepo.ListByTournament(ctx, t.ID, nil)
	if err != nil {
		return false, err
	}

	if t.Format == models.FormatRoundRobin && allCompleted(all) {
		participants, err := s.participantRepo.ListByTournament(ctx, t.ID)
		if err != nil {
			return false, err
		}
		standings := brackets.ComputeStandings(participants, all)
		if len(standings) == 0 {
			return false, fmt.Errorf("round robin completed without standings for tournament %d", t.ID)
		}
		if err := s.finalizeLocked(ctx, t, standings[0].ParticipantID, standings, events); err != nil {
			return false, err
		}
		finalized = true
	}

	if !finalized {
		if round := lowestActiveRound(all); round > t.CurrentRound {
			if err := s.tournamentRepo.UpdateCurrentRound(ctx, s.db, t.ID, round); err != nil {
				return false, err
			}
			t.CurrentRound = round
			*events = append(*events, s.tournamentUpdateEvent(t.GuildID, EventRoundAdvanced, t, nil))
		}
	}
	return finalized, nil
}

// fillSlot помещает участника в слот существующего матча и переводит
// матч в ready, когда обе стороны на месте.
func (s *matchService) fillSlot(ctx context.Context, t *models.Tournament, matchID, slot, participantID int, events *[]func(context.Context)) error {
	m, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return err
	}
	if err := s.placeInSlot(m, slot, participantID); err != nil {
		return err
	}
	if m.Participant1ID != nil && m.Participant2ID != nil && m.Status == models.MatchStatusPending {
		m.Status = models.MatchStatusReady
		*events = append(*events, s.announceReadyEvent(t, m.ID))
	}
	return s.matchRepo.Update(ctx, s.db, m)
}

func (s *matchService) placeInSlot(m *models.Match, slot, participantID int) error {
	switch slot {
	case 1:
		if m.Participant1ID != nil {
			return fmt.Errorf("slot 1 of match %d already occupied", m.ID)
		}
		m.Participant1ID = &participantID
	case 2:
		if m.Participant2ID != nil {
			return fmt.Errorf("slot 2 of match %d already occupied", m.ID)
		}
		m.Participant2ID = &participantID
	default:
		return fmt.Errorf("invalid slot %d for match %d", slot, m.ID)
	}
	return nil
}

// finalizeLocked завершает турнир: чемпион записывается ровно один раз,
// статус становится completed, снапшот сетки уходит в архив.
func (s *matchService) finalizeLocked(ctx context.Context, t *models.Tournament, winnerID int, standings []models.Standing, events *[]func(context.Context)) error {
	winner, err := s.participantRepo.GetByID(ctx, winnerID)
	if err != nil {
		return err
	}

	err = s.tournamentRepo.SetWinner(ctx, s.db, t.ID, winnerID, winner.DisplayName)
	if errors.Is(err, repositories.ErrTournamentWinnerStale) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.tournamentRepo.UpdateStatus(ctx, s.db, t.ID, models.StatusCompleted); err != nil {
		return err
	}
	t.Status = models.StatusCompleted
	t.WinnerParticipantID = &winnerID
	t.WinnerName = &winner.DisplayName
	s.metrics.TournamentsCompleted.Inc()
	s.logger.Info("tournament completed",
		slog.Int("tournament_id", t.ID),
		slog.String("winner", winner.DisplayName))

	snapshot := *t
	*events = append(*events, s.tournamentUpdateEvent(t.GuildID, EventTournamentCompleted, &snapshot, standings))
	*events = append(*events, func(ctx context.Context) {
		s.archiveSnapshot(ctx, &snapshot, standings)
	})
	return nil
}

func (s *matchService) archiveSnapshot(ctx context.Context, t *models.Tournament, standings []models.Standing) {
	participants, err := s.participantRepo.ListByTournament(ctx, t.ID)
	if err != nil {
		s.logger.Error("archive snapshot: list participants failed", slog.Any("error", err))
		return
	}
	matches, err := s.matchRepo.ListByTournament(ctx, t.ID, nil)
	if err != nil {
		s.logger.Error("archive snapshot: list matches failed", slog.Any("error", err))
		return
	}
	url, err := s.archiver.ArchiveBracket(ctx, BracketSnapshot{
		Tournament:   t,
		Participants: participants,
		Matches:      matches,
		Standings:    standings,
	})
	if err != nil {
		s.logger.Error("bracket archive failed", slog.Int("tournament_id", t.ID), slog.Any("error", err))
		return
	}
	s.logger.Info("bracket archived", slog.Int("tournament_id", t.ID), slog.String("url", url))
}

// reloadLocked перечитывает турнир и матч под блокировкой турнира.
// Снапшоты, взятые до захвата блокировки, годятся только для поиска
// идентификаторов: решения принимаются по свежему состоянию из базы,
// иначе завершившаяся параллельно отмена остаётся незамеченной.
func (s *matchService) reloadLocked(ctx context.Context, guildID string, tournamentID, matchID int) (*models.Tournament, *models.Match, error) {
	t, err := s.tournamentRepo.GetByID(ctx, guildID, tournamentID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return nil, nil, err
	}
	return t, m, nil
}

func (s *matchService) loadMatch(ctx context.Context, guildID string, matchID int) (*models.Match, *models.Tournament, error) {
	m, err := s.matchRepo.GetByID(ctx, matchID)
	if err != nil {
		return nil, nil, err
	}
	// Скоуп по guild: чужой матч выглядит как отсутствующий турнир.
	t, err := s.tournamentRepo.GetByID(ctx, guildID, m.TournamentID)
	if err != nil {
		return nil, nil, err
	}
	return m, t, nil
}

func (s *matchService) participantFor(ctx context.Context, tournamentID int, actor models.ActorRef) (*models.Participant, error) {
	var kind models.RefKind
	switch actor.Kind {
	case models.ActorUser:
		kind = models.RefUser
	case models.ActorTeam:
		kind = models.RefTeam
	default:
		return nil, ErrNotAParticipant
	}
	p, err := s.participantRepo.FindByRef(ctx, tournamentID, models.ParticipantRef{Kind: kind, ID: actor.ID})
	if errors.Is(err, repositories.ErrParticipantNotFound) {
		return nil, ErrNotAParticipant
	}
	return p, err
}

func (s *matchService) dispatch(ctx context.Context, events []func(context.Context)) {
	for _, ev := range events {
		ev(ctx)
	}
}

func (s *matchService) matchUpdateEvent(threadRef, event string, m *models.Match) func(context.Context) {
	snapshot := *m
	return func(ctx context.Context) {
		if err := s.notifier.PostMatchUpdate(ctx, threadRef, MatchUpdate{Event: event, Match: &snapshot}); err != nil {
			s.logger.Error("post match update failed",
				slog.String("event", event), slog.Any("error", err))
		}
	}
}

func (s *matchService) tournamentUpdateEvent(guildID, event string, t *models.Tournament, standings []models.Standing) func(context.Context) {
	snapshot := *t
	return func(ctx context.Context) {
		if err := s.notifier.PostTournamentUpdate(ctx, guildID, TournamentUpdate{
			Event:      event,
			Tournament: &snapshot,
			Standings:  standings,
		}); err != nil {
			s.logger.Error("post tournament update failed",
				slog.String("event", event), slog.Any("error", err))
		}
	}
}

func (s *matchService) announceReadyEvent(t *models.Tournament, matchID int) func(context.Context) {
	return func(ctx context.Context) {
		if err := s.AnnounceMatchReady(ctx, t, matchID); err != nil {
			s.logger.Error("match ready announcement failed",
				slog.Int("match_id", matchID), slog.Any("error", err))
		}
	}
}

func allCompleted(matches []*models.Match) bool {
	for _, m := range matches {
		if m.Status != models.MatchStatusCompleted {
			return false
		}
	}
	return true
}

// lowestActiveRound возвращает минимальный раунд с незавершённым
// играбельным матчем, либо 0, когда таких не осталось.
func lowestActiveRound(matches []*models.Match) int {
	round := 0
	for _, m := range matches {
		switch m.Status {
		case models.MatchStatusCompleted, models.MatchStatusBye:
			continue
		}
		if round == 0 || m.Round < round {
			round = m.Round
		}
	}
	return round
}
