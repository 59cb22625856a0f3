package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tournabot/engine/brackets"
	"github.com/tournabot/engine/metrics"
	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/repositories"
)

// In-memory репозитории и заглушки шлюзов. Поведение повторяет
// постгресовые реализации в рамках того, что проверяют тесты.

type memTournamentRepo struct {
	mu     sync.Mutex
	nextID int
	rows   map[int]*models.Tournament

	// onGet вызывается после успешного GetByID вне мьютекса; тесты
	// вклиниваются им между чтением снапшота и захватом блокировки
	// турнира.
	onGet func(id int)
}

func newMemTournamentRepo() *memTournamentRepo {
	return &memTournamentRepo{rows: make(map[int]*models.Tournament)}
}

func (r *memTournamentRepo) Create(ctx context.Context, t *models.Tournament) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.GuildID == t.GuildID && row.Name == t.Name {
			return repositories.ErrTournamentNameConflict
		}
	}
	r.nextID++
	t.ID = r.nextID
	t.CreatedAt = time.Now()
	cp := *t
	r.rows[t.ID] = &cp
	return nil
}

func (r *memTournamentRepo) GetByID(ctx context.Context, guildID string, id int) (*models.Tournament, error) {
	r.mu.Lock()
	row, ok := r.rows[id]
	if !ok || row.GuildID != guildID {
		r.mu.Unlock()
		return nil, repositories.ErrTournamentNotFound
	}
	cp := *row
	hook := r.onGet
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return &cp, nil
}

func (r *memTournamentRepo) List(ctx context.Context, filter repositories.ListTournamentsFilter) ([]*models.Tournament, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Tournament
	for _, row := range r.rows {
		if filter.GuildID != nil && row.GuildID != *filter.GuildID {
			continue
		}
		if len(filter.Statuses) > 0 {
			found := false
			for _, s := range filter.Statuses {
				if row.Status == s {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memTournamentRepo) UpdateStatus(ctx context.Context, exec repositories.SQLExecutor, id int, status models.TournamentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrTournamentNotFound
	}
	row.Status = status
	return nil
}

func (r *memTournamentRepo) UpdateCurrentRound(ctx context.Context, exec repositories.SQLExecutor, id int, round int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrTournamentNotFound
	}
	row.CurrentRound = round
	return nil
}

func (r *memTournamentRepo) SetWinner(ctx context.Context, exec repositories.SQLExecutor, id int, winnerParticipantID int, winnerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrTournamentNotFound
	}
	if row.WinnerParticipantID != nil {
		return repositories.ErrTournamentWinnerStale
	}
	row.WinnerParticipantID = &winnerParticipantID
	row.WinnerName = &winnerName
	return nil
}

type memParticipantRepo struct {
	mu     sync.Mutex
	nextID int
	rows   map[int]*models.Participant
}

func newMemParticipantRepo() *memParticipantRepo {
	return &memParticipantRepo{rows: make(map[int]*models.Participant)}
}

func (r *memParticipantRepo) Create(ctx context.Context, p *models.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TournamentID == p.TournamentID && row.Ref == p.Ref {
			return repositories.ErrParticipantConflict
		}
	}
	r.nextID++
	p.ID = r.nextID
	p.JoinedAt = time.Now()
	cp := *p
	r.rows[p.ID] = &cp
	return nil
}

func (r *memParticipantRepo) GetByID(ctx context.Context, id int) (*models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repositories.ErrParticipantNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memParticipantRepo) FindByRef(ctx context.Context, tournamentID int, ref models.ParticipantRef) (*models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TournamentID == tournamentID && row.Ref == ref {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repositories.ErrParticipantNotFound
}

func (r *memParticipantRepo) ListByTournament(ctx context.Context, tournamentID int) ([]*models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Participant
	for _, row := range r.rows {
		if row.TournamentID == tournamentID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memParticipantRepo) SetEliminated(ctx context.Context, exec repositories.SQLExecutor, id int, eliminated bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repositories.ErrParticipantNotFound
	}
	row.Eliminated = eliminated
	return nil
}

func (r *memParticipantRepo) Delete(ctx context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return repositories.ErrParticipantNotFound
	}
	delete(r.rows, id)
	return nil
}

type memMatchRepo struct {
	mu     sync.Mutex
	nextID int
	rows   map[int]*models.Match
}

func newMemMatchRepo() *memMatchRepo {
	return &memMatchRepo{rows: make(map[int]*models.Match)}
}

func (r *memMatchRepo) Create(ctx context.Context, exec repositories.SQLExecutor, m *models.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	m.ID = r.nextID
	cp := *m
	r.rows[m.ID] = &cp
	return nil
}

func (r *memMatchRepo) GetByID(ctx context.Context, id int) (*models.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repositories.ErrMatchNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *memMatchRepo) ListByTournament(ctx context.Context, tournamentID int, statusFilter *models.MatchStatus) ([]*models.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Match
	for _, row := range r.rows {
		if row.TournamentID != tournamentID {
			continue
		}
		if statusFilter != nil && row.Status != *statusFilter {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memMatchRepo) UpdateLinks(ctx context.Context, exec repositories.SQLExecutor, matchID int, nextID, nextSlot, loserNextID, loserNextSlot *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[matchID]
	if !ok {
		return repositories.ErrMatchNotFound
	}
	row.NextMatchID = nextID
	row.NextSlot = nextSlot
	row.LoserNextMatchID = loserNextID
	row.LoserNextSlot = loserNextSlot
	return nil
}

func (r *memMatchRepo) Update(ctx context.Context, exec repositories.SQLExecutor, m *models.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[m.ID]
	if !ok {
		return repositories.ErrMatchNotFound
	}
	row.Participant1ID = m.Participant1ID
	row.Participant2ID = m.Participant2ID
	row.Status = m.Status
	row.ReportedWinnerID = m.ReportedWinnerID
	row.ReportedBy = m.ReportedBy
	row.WinnerParticipantID = m.WinnerParticipantID
	row.ThreadRef = m.ThreadRef
	return nil
}

// memBracketService материализует сетку без транзакции, напрямую в
// память.
type memBracketService struct {
	matchRepo repositories.MatchRepository
}

func (b *memBracketService) GenerateAndSaveBracket(ctx context.Context, tournament *models.Tournament, participants []*models.Participant) ([]*models.Match, error) {
	gen, err := brackets.ForFormat(tournament.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBracketGeneration, err)
	}
	nodes, err := gen.Generate(ctx, brackets.GenerateParams{
		Tournament:   tournament,
		Participants: participants,
	})
	if err != nil {
		if err == brackets.ErrInsufficientParticipants {
			return nil, ErrInsufficientParticipants
		}
		return nil, fmt.Errorf("%w: %v", ErrBracketGeneration, err)
	}
	return materializeBracket(ctx, nil, b.matchRepo, tournament, nodes)
}

type notifierCall struct {
	kind    string // "tournament", "match", "thread_created", "thread_archived"
	scope   string // guild или thread ref
	event   string
	matchID int
}

type fakeNotifier struct {
	mu         sync.Mutex
	calls      []notifierCall
	nextThread int
}

func (n *fakeNotifier) PostTournamentUpdate(ctx context.Context, guildID string, update TournamentUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{kind: "tournament", scope: guildID, event: update.Event})
	return nil
}

func (n *fakeNotifier) CreateMatchThread(ctx context.Context, guildID string, match *models.Match) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextThread++
	ref := fmt.Sprintf("thread-%d", match.ID)
	n.calls = append(n.calls, notifierCall{kind: "thread_created", scope: guildID, matchID: match.ID})
	return ref, nil
}

func (n *fakeNotifier) PostMatchUpdate(ctx context.Context, threadRef string, update MatchUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{kind: "match", scope: threadRef, event: update.Event, matchID: update.Match.ID})
	return nil
}

func (n *fakeNotifier) ArchiveThread(ctx context.Context, threadRef string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{kind: "thread_archived", scope: threadRef})
	return nil
}

func (n *fakeNotifier) events(kind string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, c := range n.calls {
		if c.kind == kind {
			out = append(out, c.event)
		}
	}
	return out
}

func (n *fakeNotifier) hasEvent(kind, event string) bool {
	for _, e := range n.events(kind) {
		if e == event {
			return true
		}
	}
	return false
}

type fakeArchiver struct {
	mu        sync.Mutex
	snapshots []BracketSnapshot
}

func (a *fakeArchiver) ArchiveBracket(ctx context.Context, snapshot BracketSnapshot) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots = append(a.snapshots, snapshot)
	return fmt.Sprintf("https://archive.test/bracket-%d.json", snapshot.Tournament.ID), nil
}

type fakeEconomy struct {
	mu      sync.Mutex
	refunds []int
}

func (e *fakeEconomy) RefundEntryFees(ctx context.Context, guildID string, tournamentID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refunds = append(e.refunds, tournamentID)
	return nil
}

type fakeTimerScheduler struct {
	mu        sync.Mutex
	scheduled []int
	cancelled []int
}

func (s *fakeTimerScheduler) Schedule(t *models.Tournament) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, t.ID)
}

func (s *fakeTimerScheduler) Cancel(tournamentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, tournamentID)
}

// fixture собирает сервисы поверх in-memory репозиториев.
type fixture struct {
	tournamentRepo  *memTournamentRepo
	participantRepo *memParticipantRepo
	matchRepo       *memMatchRepo
	notifier        *fakeNotifier
	archiver        *fakeArchiver
	economy         *fakeEconomy
	timers          *fakeTimerScheduler
	clock           *clockwork.FakeClock

	tournaments TournamentService
	matches     MatchService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		tournamentRepo:  newMemTournamentRepo(),
		participantRepo: newMemParticipantRepo(),
		matchRepo:       newMemMatchRepo(),
		notifier:        &fakeNotifier{},
		archiver:        &fakeArchiver{},
		economy:         &fakeEconomy{},
		timers:          &fakeTimerScheduler{},
		clock:           clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	locks := NewTournamentLocks()

	fx.matches = NewMatchService(
		nil, fx.tournamentRepo, fx.participantRepo, fx.matchRepo,
		fx.notifier, fx.archiver, locks, m, logger,
	)
	fx.tournaments = NewTournamentService(
		nil, fx.tournamentRepo, fx.participantRepo, fx.matchRepo,
		&memBracketService{matchRepo: fx.matchRepo}, fx.matches,
		fx.timers, fx.notifier, fx.economy, locks, m, logger,
	)
	return fx
}

const testGuild = "guild-1"

func (fx *fixture) createTournament(t *testing.T, format models.TournamentFormat) *models.Tournament {
	t.Helper()
	now := fx.clock.Now()
	tour, err := fx.tournaments.Create(context.Background(), CreateTournamentParams{
		GuildID:             testGuild,
		Name:                fmt.Sprintf("Cup %s %d", format, fx.tournamentRepo.nextID+1),
		Format:              format,
		TeamSize:            1,
		RegistrationCloseAt: now.Add(time.Hour),
		StartAt:             now.Add(2 * time.Hour),
		CreatedBy:           models.ActorRef{Kind: models.ActorAdmin, ID: "admin-1"},
	})
	require.NoError(t, err)
	return tour
}

func (fx *fixture) join(t *testing.T, tournamentID, n int) []*models.Participant {
	t.Helper()
	out := make([]*models.Participant, 0, n)
	for i := 1; i <= n; i++ {
		p, err := fx.tournaments.Join(context.Background(), testGuild, tournamentID,
			models.ParticipantRef{Kind: models.RefUser, ID: fmt.Sprintf("u%d", i)},
			fmt.Sprintf("Player %d", i))
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

// startActive прогоняет open -> closed -> active.
func (fx *fixture) startActive(t *testing.T, tournamentID int) {
	t.Helper()
	require.NoError(t, fx.tournaments.HandleRegistrationClose(context.Background(), testGuild, tournamentID))
	require.NoError(t, fx.tournaments.HandleStart(context.Background(), testGuild, tournamentID))
}

func (fx *fixture) actorFor(t *testing.T, participantID int) models.ActorRef {
	t.Helper()
	p, err := fx.participantRepo.GetByID(context.Background(), participantID)
	require.NoError(t, err)
	return models.ActorRef{Kind: models.ActorKind(p.Ref.Kind), ID: p.Ref.ID}
}

// playMatch отыгрывает матч: победитель заявляет, соперник подтверждает.
func (fx *fixture) playMatch(t *testing.T, matchID, winnerID int) {
	t.Helper()
	ctx := context.Background()
	m, err := fx.matchRepo.GetByID(ctx, matchID)
	require.NoError(t, err)
	loser := m.Opponent(winnerID)
	require.NotNil(t, loser, "match %d has no opponent for %d", matchID, winnerID)

	_, err = fx.matches.ReportWinner(ctx, testGuild, matchID, winnerID, fx.actorFor(t, winnerID))
	require.NoError(t, err)
	_, err = fx.matches.ConfirmWinner(ctx, testGuild, matchID, fx.actorFor(t, *loser))
	require.NoError(t, err)
}

func (fx *fixture) matchesByStatus(t *testing.T, tournamentID int, status models.MatchStatus) []*models.Match {
	t.Helper()
	out, err := fx.matchRepo.ListByTournament(context.Background(), tournamentID, &status)
	require.NoError(t, err)
	return out
}

// playThrough доигрывает турнир до конца: в каждом ready-матче побеждает
// участник с меньшим id.
func (fx *fixture) playThrough(t *testing.T, tournamentID int) {
	t.Helper()
	for i := 0; i < 256; i++ {
		ready := fx.matchesByStatus(t, tournamentID, models.MatchStatusReady)
		if len(ready) == 0 {
			return
		}
		m := ready[0]
		winner := *m.Participant1ID
		if *m.Participant2ID < winner {
			winner = *m.Participant2ID
		}
		fx.playMatch(t, m.ID, winner)
	}
	t.Fatal("tournament did not converge")
}
