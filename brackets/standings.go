package brackets

import (
	"hash/fnv"
	"sort"

	"github.com/tournabot/engine/models"
)

// ComputeStandings builds the round robin table from completed matches.
// Points are wins minus losses. Ties on points are broken by head-to-head
// results inside the tied group, then by a stable hash of the participant
// reference, so repeated computations always agree.
//
// Таблица нигде не хранится — это чистая функция от списка матчей.
func ComputeStandings(participants []*models.Participant, matches []*models.Match) []models.Standing {
	rows := make(map[int]*models.Standing, len(participants))
	refs := make(map[int]models.ParticipantRef, len(participants))
	for _, p := range participants {
		rows[p.ID] = &models.Standing{ParticipantID: p.ID, DisplayName: p.DisplayName}
		refs[p.ID] = p.Ref
	}

	// winnerOf[a][b] — победитель личной встречи a и b.
	winnerOf := make(map[int]map[int]int)
	for _, m := range matches {
		if m.Status != models.MatchStatusCompleted || m.WinnerParticipantID == nil {
			continue
		}
		winner := *m.WinnerParticipantID
		loser := m.Opponent(winner)
		if loser == nil {
			continue
		}
		if row, ok := rows[winner]; ok {
			row.Wins++
		}
		if row, ok := rows[*loser]; ok {
			row.Losses++
		}
		if winnerOf[winner] == nil {
			winnerOf[winner] = make(map[int]int)
		}
		if winnerOf[*loser] == nil {
			winnerOf[*loser] = make(map[int]int)
		}
		winnerOf[winner][*loser] = winner
		winnerOf[*loser][winner] = winner
	}

	standings := make([]models.Standing, 0, len(rows))
	for _, row := range rows {
		row.Points = row.Wins - row.Losses
		standings = append(standings, *row)
	}

	// Head-to-head wins inside each points group; transitive by construction.
	groupWins := make(map[int]int, len(standings))
	byPoints := make(map[int][]int)
	for _, s := range standings {
		byPoints[s.Points] = append(byPoints[s.Points], s.ParticipantID)
	}
	for _, group := range byPoints {
		if len(group) < 2 {
			continue
		}
		inGroup := make(map[int]bool, len(group))
		for _, id := range group {
			inGroup[id] = true
		}
		for _, id := range group {
			for opp, w := range winnerOf[id] {
				if inGroup[opp] && w == id {
					groupWins[id]++
				}
			}
		}
	}

	sort.Slice(standings, func(i, j int) bool {
		a, b := standings[i], standings[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if groupWins[a.ParticipantID] != groupWins[b.ParticipantID] {
			return groupWins[a.ParticipantID] > groupWins[b.ParticipantID]
		}
		return tiebreakKey(refs[a.ParticipantID]) < tiebreakKey(refs[b.ParticipantID])
	})
	for i := range standings {
		standings[i].Rank = i + 1
	}
	return standings
}

func tiebreakKey(ref models.ParticipantRef) uint64 {
	h := fnv.New64a()
	h.Write([]byte(ref.Kind))
	h.Write([]byte{0})
	h.Write([]byte(ref.ID))
	return h.Sum64()
}
