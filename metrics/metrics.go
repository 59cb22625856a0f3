package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает счётчики движка. Регистрируется один раз в main и
// раздаётся сервисам по ссылке.
type Metrics struct {
	TournamentsCreated   *prometheus.CounterVec
	TournamentsCompleted prometheus.Counter
	TournamentsCancelled prometheus.Counter
	MatchesCompleted     *prometheus.CounterVec
	ResultDisputes       prometheus.Counter
	PhaseTimersFired     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TournamentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_tournaments_created_total",
			Help: "Tournaments created, by format.",
		}, []string{"format"}),
		TournamentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_tournaments_completed_total",
			Help: "Tournaments that finished with a champion.",
		}),
		TournamentsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_tournaments_cancelled_total",
			Help: "Tournaments cancelled before completion.",
		}),
		MatchesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_matches_completed_total",
			Help: "Matches completed, by bracket section.",
		}, []string{"bracket"}),
		ResultDisputes: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_result_disputes_total",
			Help: "Match results disputed by a participant.",
		}),
		PhaseTimersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_phase_timers_fired_total",
			Help: "Tournament phase timers fired, by phase.",
		}, []string{"phase"}),
	}
}
