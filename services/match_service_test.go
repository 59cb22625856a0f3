package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tournabot/engine/models"
)

// setupActive создаёт турнир с n участниками и доводит его до active.
func setupActive(t *testing.T, fx *fixture, format models.TournamentFormat, n int) *models.Tournament {
	t.Helper()
	tour := fx.createTournament(t, format)
	fx.join(t, tour.ID, n)
	fx.startActive(t, tour.ID)
	return tour
}

func TestSingleEliminationPlaythrough(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 4)

	ready := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, ready, 2)

	// Раунд 1: побеждают первый и второй посев.
	fx.playMatch(t, ready[0].ID, *ready[0].Participant1ID)
	fx.playMatch(t, ready[1].ID, *ready[1].Participant1ID)

	got, err := fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentRound)
	assert.True(t, fx.notifier.hasEvent("tournament", EventRoundAdvanced))

	// Проигравшие раунда 1 выбыли.
	for _, m := range []*models.Match{ready[0], ready[1]} {
		loser, err := fx.participantRepo.GetByID(ctx, *m.Participant2ID)
		require.NoError(t, err)
		assert.True(t, loser.Eliminated)
	}

	final := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, final, 1)
	require.NotNil(t, final[0].ThreadRef)
	fx.playMatch(t, final[0].ID, *final[0].Participant1ID)

	got, err = fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.WinnerParticipantID)
	assert.Equal(t, *final[0].Participant1ID, *got.WinnerParticipantID)
	require.NotNil(t, got.WinnerName)

	assert.True(t, fx.notifier.hasEvent("tournament", EventTournamentCompleted))
	require.Len(t, fx.archiver.snapshots, 1)
	assert.Len(t, fx.archiver.snapshots[0].Matches, 3)
}

func TestReportWinnerGuards(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 4)

	ready := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	m := ready[0]
	p1, p2 := *m.Participant1ID, *m.Participant2ID

	// Посторонний не может заявлять результат.
	_, err := fx.matches.ReportWinner(ctx, testGuild, m.ID, p1,
		models.ActorRef{Kind: models.ActorUser, ID: "stranger"})
	require.ErrorIs(t, err, ErrNotAParticipant)

	// Победителем можно назвать только сторону матча.
	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, 999, fx.actorFor(t, p1))
	require.ErrorIs(t, err, ErrNotAParticipant)

	// Финал ещё pending — заявки не принимаются.
	pending := fx.matchesByStatus(t, tour.ID, models.MatchStatusPending)
	require.NotEmpty(t, pending)
	_, err = fx.matches.ReportWinner(ctx, testGuild, pending[0].ID, p1, fx.actorFor(t, p1))
	require.ErrorIs(t, err, ErrMatchNotReportable)

	// Чужой guild скрывает матч целиком.
	_, err = fx.matches.ReportWinner(ctx, "other-guild", m.ID, p1, fx.actorFor(t, p1))
	require.Error(t, err)

	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, fx.actorFor(t, p1))
	require.NoError(t, err)

	// Повторная заявка того же исхода.
	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, fx.actorFor(t, p1))
	require.ErrorIs(t, err, ErrReportAlreadyPending)

	// Встречная заявка с другим исходом отклоняется.
	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, p2, fx.actorFor(t, p2))
	require.ErrorIs(t, err, ErrReportConflict)
}

func TestConfirmWinner(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 4)

	ready := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	m := ready[0]
	p1, p2 := *m.Participant1ID, *m.Participant2ID

	// Подтверждать нечего.
	_, err := fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p2))
	require.ErrorIs(t, err, ErrNoReportPending)

	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, fx.actorFor(t, p1))
	require.NoError(t, err)

	// Заявившая сторона не подтверждает сама себя.
	_, err = fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p1))
	require.ErrorIs(t, err, ErrSelfConfirmation)

	confirmed, err := fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p2))
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCompleted, confirmed.Status)
	require.NotNil(t, confirmed.WinnerParticipantID)
	assert.Equal(t, p1, *confirmed.WinnerParticipantID)

	// Победитель продвинут в следующий матч ровно один раз.
	next, err := fx.matchRepo.GetByID(ctx, *m.NextMatchID)
	require.NoError(t, err)
	require.NotNil(t, next.Participant1ID)
	assert.Equal(t, p1, *next.Participant1ID)
	assert.Nil(t, next.Participant2ID)

	// Повторное подтверждение — no-op, без повторного продвижения.
	again, err := fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p2))
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCompleted, again.Status)
	next, err = fx.matchRepo.GetByID(ctx, *m.NextMatchID)
	require.NoError(t, err)
	assert.Nil(t, next.Participant2ID)
}

func TestConfirmWinnerSeesCancelCommittedBeforeLock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 2)

	final := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, final, 1)
	m := final[0]
	p1, p2 := *m.Participant1ID, *m.Participant2ID

	_, err := fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, fx.actorFor(t, p1))
	require.NoError(t, err)

	// Отмена фиксируется между чтением снапшота турнира и захватом
	// блокировки: подтверждение обязано увидеть её при перечитывании,
	// иначе cancelled-турнир завершился бы как completed.
	var once sync.Once
	fx.tournamentRepo.onGet = func(id int) {
		once.Do(func() {
			require.NoError(t, fx.tournamentRepo.UpdateStatus(ctx, nil, tour.ID, models.StatusCancelled))
		})
	}

	_, err = fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p2))
	require.ErrorIs(t, err, ErrMatchNotReportable)
	fx.tournamentRepo.onGet = nil

	got, err := fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.WinnerParticipantID)

	unfinished, err := fx.matchRepo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.NotEqual(t, models.MatchStatusCompleted, unfinished.Status)
	assert.Empty(t, fx.archiver.snapshots)
}

func TestReportWinnerConcurrentConflict(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 2)

	final := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, final, 1)
	m := final[0]
	p1, p2 := *m.Participant1ID, *m.Participant2ID
	actor1, actor2 := fx.actorFor(t, p1), fx.actorFor(t, p2)

	// Обе стороны одновременно заявляют разных победителей: ровно одна
	// заявка проходит, встречная получает конфликт.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, actor1)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = fx.matches.ReportWinner(ctx, testGuild, m.ID, p2, actor2)
	}()
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, ErrReportConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	got, err := fx.matchRepo.GetByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReportedWinnerID)
	assert.True(t, got.Status.Reportable(), "match must stay unresolved until confirmation")
}

func TestAdminReportAndConfirm(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 4)

	m := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)[0]
	p1 := *m.Participant1ID

	_, err := fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, adminActor)
	require.NoError(t, err)
	confirmed, err := fx.matches.ConfirmWinner(ctx, testGuild, m.ID,
		models.ActorRef{Kind: models.ActorAdmin, ID: "admin-2"})
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCompleted, confirmed.Status)
}

func TestDisputeWinner(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 4)

	m := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)[0]
	p1, p2 := *m.Participant1ID, *m.Participant2ID

	_, err := fx.matches.DisputeWinner(ctx, testGuild, m.ID, fx.actorFor(t, p2))
	require.ErrorIs(t, err, ErrNoReportPending)

	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, p1, fx.actorFor(t, p1))
	require.NoError(t, err)

	disputed, err := fx.matches.DisputeWinner(ctx, testGuild, m.ID, fx.actorFor(t, p2))
	require.NoError(t, err)
	assert.Nil(t, disputed.ReportedWinnerID)
	assert.Nil(t, disputed.ReportedBy)
	assert.True(t, disputed.Status.Reportable())
	assert.True(t, fx.notifier.hasEvent("tournament", EventResultDisputed))

	// После спора цикл заявки начинается заново.
	_, err = fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p1))
	require.ErrorIs(t, err, ErrNoReportPending)
	_, err = fx.matches.ReportWinner(ctx, testGuild, m.ID, p2, fx.actorFor(t, p2))
	require.NoError(t, err)
	done, err := fx.matches.ConfirmWinner(ctx, testGuild, m.ID, fx.actorFor(t, p1))
	require.NoError(t, err)
	assert.Equal(t, p2, *done.WinnerParticipantID)
}

func TestDoubleEliminationWinnersChampion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatDoubleElimination, 4)

	// Первый посев побеждает всё: проигравший гранд-финала не получает
	// reset-матча.
	fx.playThrough(t, tour.ID)

	got, err := fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.WinnerParticipantID)
	assert.Equal(t, 1, *got.WinnerParticipantID)

	all, err := fx.matchRepo.ListByTournament(ctx, tour.ID, nil)
	require.NoError(t, err)
	var reset *models.Match
	for _, m := range all {
		assert.Equal(t, models.MatchStatusCompleted, m.Status, "match %s left unfinished", m.BracketUID)
		if m.Bracket == models.BracketGrandFinalsReset {
			reset = m
		}
	}
	// Reset закрыт без игры: второй слот так и не заполнен.
	require.NotNil(t, reset)
	assert.Nil(t, reset.Participant2ID)
	assert.Equal(t, 1, *reset.WinnerParticipantID)
}

func TestDoubleEliminationLoserDropsNotEliminated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatDoubleElimination, 4)

	ready := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, ready, 2)
	m := ready[0]
	fx.playMatch(t, m.ID, *m.Participant1ID)

	loser, err := fx.participantRepo.GetByID(ctx, *m.Participant2ID)
	require.NoError(t, err)
	assert.False(t, loser.Eliminated, "loser must drop to losers bracket, not leave")

	lb, err := fx.matchRepo.GetByID(ctx, *m.LoserNextMatchID)
	require.NoError(t, err)
	assert.True(t, lb.HasParticipant(loser.ID))
}

func TestDoubleEliminationBracketReset(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatDoubleElimination, 2)

	// Единственный матч верхней сетки.
	wb := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, wb, 1)
	p1, p2 := *wb[0].Participant1ID, *wb[0].Participant2ID
	fx.playMatch(t, wb[0].ID, p1)

	// Гранд-финал: чемпион верхней сетки против выбывшего. Побеждает
	// нижняя сетка — сетка сбрасывается.
	gf := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, gf, 1)
	assert.Equal(t, models.BracketGrandFinals, gf[0].Bracket)
	fx.playMatch(t, gf[0].ID, p2)

	got, err := fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status, "reset match must still be played")

	reset := fx.matchesByStatus(t, tour.ID, models.MatchStatusReady)
	require.Len(t, reset, 1)
	assert.Equal(t, models.BracketGrandFinalsReset, reset[0].Bracket)
	require.NotNil(t, reset[0].Participant1ID)
	require.NotNil(t, reset[0].Participant2ID)

	fx.playMatch(t, reset[0].ID, p1)
	got, err = fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, p1, *got.WinnerParticipantID)
}

func TestRoundRobinCompletion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatRoundRobin, 3)

	all, err := fx.matchRepo.ListByTournament(ctx, tour.ID, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, m := range all {
		assert.Equal(t, models.MatchStatusReady, m.Status)
		assert.Nil(t, m.NextMatchID)
	}

	fx.playThrough(t, tour.ID)

	got, err := fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.WinnerParticipantID)
	assert.Equal(t, 1, *got.WinnerParticipantID)

	// В круговом формате никто не помечается выбывшим.
	participants, err := fx.participantRepo.ListByTournament(ctx, tour.ID)
	require.NoError(t, err)
	for _, p := range participants {
		assert.False(t, p.Eliminated)
	}

	require.Len(t, fx.archiver.snapshots, 1)
	assert.Len(t, fx.archiver.snapshots[0].Standings, 3)
}

func TestProcessByeIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 3)

	// Bye обработан при старте; повторная обработка ничего не меняет.
	completed := fx.matchesByStatus(t, tour.ID, models.MatchStatusCompleted)
	require.NotEmpty(t, completed)
	got, err := fx.tournamentRepo.GetByID(ctx, testGuild, tour.ID)
	require.NoError(t, err)
	require.NoError(t, fx.matches.ProcessBye(ctx, got, completed[0].ID))
}

func TestListMatchesScopedToGuild(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	tour := setupActive(t, fx, models.FormatSingleElimination, 4)

	ready := models.MatchStatusReady
	got, err := fx.matches.ListMatches(ctx, testGuild, tour.ID, &ready)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = fx.matches.ListMatches(ctx, "other-guild", tour.ID, nil)
	require.Error(t, err)
}
