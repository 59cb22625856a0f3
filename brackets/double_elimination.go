package brackets

import (
	"context"
	"fmt"
	"sort"

	"github.com/tournabot/engine/models"
)

const (
	grandFinalsUID      = "GF"
	grandFinalsResetUID = "GFR"
)

type DoubleEliminationGenerator struct{}

func NewDoubleEliminationGenerator() Generator {
	return &DoubleEliminationGenerator{}
}

func (g *DoubleEliminationGenerator) Name() string {
	return "DoubleElimination"
}

// feed описывает, откуда в слот матча нижней сетки приходит участник.
// Мёртвый feed (fromUID == "") означает, что источника не будет никогда:
// матч верхней сетки был bye и проигравшего не породит.
type feed struct {
	fromUID string
	loser   bool
}

func (f feed) dead() bool { return f.fromUID == "" }

type lbNode struct {
	match   *Match
	slot1   feed
	slot2   feed
	removed bool
}

func (n *lbNode) slot(i int) *feed {
	if i == 1 {
		return &n.slot1
	}
	return &n.slot2
}

// Generate builds a winners bracket identical to single elimination, a
// losers bracket with interleaved minor/major rounds receiving the drops,
// and a grand finals joining both finalists. With the tournament's
// GrandFinalsReset flag set, a reset match is part of the initial graph:
// the grand finals winner always advances into it, and the progression
// engine either settles it as a bye (winners-bracket champion won) or fills
// the second slot with the grand finals loser for a true bracket reset.
//
// Матчи нижней сетки, в которые из-за bye не может прийти два участника,
// схлопываются на этапе генерации: живой источник подключается напрямую к
// следующему матчу, так что в рантайме каждый матч нижней сетки ждёт ровно
// двух участников.
func (g *DoubleEliminationGenerator) Generate(ctx context.Context, params GenerateParams) ([]*Match, error) {
	n := len(params.Participants)
	if n < 2 {
		return nil, ErrInsufficientParticipants
	}

	winners := &SingleEliminationGenerator{section: models.BracketWinners, uidPrefix: "WR"}
	wbMatches, err := winners.Generate(ctx, params)
	if err != nil {
		return nil, err
	}

	numRounds := 0
	for _, m := range wbMatches {
		if m.Round > numRounds {
			numRounds = m.Round
		}
	}
	bracketSize := 1 << uint(numRounds)

	byUID := make(map[string]*Match, 2*bracketSize)
	for _, m := range wbMatches {
		byUID[m.UID] = m
	}

	wbFinal := wbMatches[len(wbMatches)-1]
	wbFinal.WinnerToUID = strPtr(grandFinalsUID)
	wbFinal.WinnerToSlot = intPtr(1)

	lbNodes, gfSlot2 := g.buildLosersBracket(wbMatches, numRounds, bracketSize)

	grandFinals := &Match{
		UID:     grandFinalsUID,
		Bracket: models.BracketGrandFinals,
		Round:   1,
		Status:  models.MatchStatusPending,
	}
	byUID[grandFinals.UID] = grandFinals

	kept := make([]*Match, 0, len(lbNodes))
	for _, node := range lbNodes {
		if node.removed {
			continue
		}
		kept = append(kept, node.match)
		byUID[node.match.UID] = node.match
	}
	g.renumberLosers(kept)

	// Привязываем живые источники к итоговым слотам.
	for _, node := range lbNodes {
		if node.removed {
			continue
		}
		for slot := 1; slot <= 2; slot++ {
			if err := linkFeed(byUID, *node.slot(slot), node.match.UID, slot); err != nil {
				return nil, err
			}
		}
	}
	if gfSlot2.dead() {
		return nil, fmt.Errorf("losers bracket collapsed without a grand finals feed for %d participants", n)
	}
	if err := linkFeed(byUID, gfSlot2, grandFinalsUID, 2); err != nil {
		return nil, err
	}

	matches := make([]*Match, 0, len(wbMatches)+len(kept)+2)
	matches = append(matches, wbMatches...)
	matches = append(matches, kept...)
	matches = append(matches, grandFinals)

	if params.Tournament != nil && params.Tournament.GrandFinalsReset {
		grandFinals.WinnerToUID = strPtr(grandFinalsResetUID)
		grandFinals.WinnerToSlot = intPtr(1)
		grandFinals.LoserToUID = strPtr(grandFinalsResetUID)
		grandFinals.LoserToSlot = intPtr(2)
		matches = append(matches, &Match{
			UID:     grandFinalsResetUID,
			Bracket: models.BracketGrandFinalsReset,
			Round:   1,
			Status:  models.MatchStatusPending,
		})
	}

	return matches, nil
}

// buildLosersBracket lays out the full losers bracket for a padded bracket,
// then collapses nodes that cannot ever receive two participants. It returns
// the nodes and the final feed of the grand finals' second slot.
func (g *DoubleEliminationGenerator) buildLosersBracket(wbMatches []*Match, numRounds, bracketSize int) ([]*lbNode, feed) {
	wbRound := make(map[int][]*Match)
	for _, m := range wbMatches {
		wbRound[m.Round] = append(wbRound[m.Round], m)
	}
	for r := range wbRound {
		round := wbRound[r]
		sort.Slice(round, func(i, j int) bool { return round[i].OrderInRound < round[j].OrderInRound })
	}

	if numRounds == 1 {
		// Two participants: the sole winners match drops its loser straight
		// into the grand finals rematch.
		return nil, feed{fromUID: wbMatches[0].UID, loser: true}
	}

	wbLoserFeed := func(round, order int) feed {
		m := wbRound[round][order-1]
		if m.Status == models.MatchStatusBye {
			return feed{}
		}
		return feed{fromUID: m.UID, loser: true}
	}

	totalLBRounds := 2 * (numRounds - 1)
	countInRound := func(t int) int {
		i := (t + 1) / 2 // pair index: rounds 2i-1 and 2i share a size
		return bracketSize >> uint(i+1)
	}

	nodes := make([]*lbNode, 0)
	nodeAt := make(map[string]*lbNode)
	for t := 1; t <= totalLBRounds; t++ {
		for j := 1; j <= countInRound(t); j++ {
			node := &lbNode{match: &Match{
				UID:          fmt.Sprintf("LR%dM%d", t, j),
				Bracket:      models.BracketLosers,
				Round:        t,
				OrderInRound: j,
				Status:       models.MatchStatusPending,
			}}
			nodes = append(nodes, node)
			nodeAt[node.match.UID] = node
		}
	}
	lbUID := func(t, j int) string { return fmt.Sprintf("LR%dM%d", t, j) }

	// Слоты и назначения победителей до схлопывания.
	for _, node := range nodes {
		t, j := node.match.Round, node.match.OrderInRound
		count := countInRound(t)
		switch {
		case t == 1:
			node.slot1 = wbLoserFeed(1, 2*j-1)
			node.slot2 = wbLoserFeed(1, 2*j)
		case t%2 == 0:
			// Major round: survivor of the minor round meets the drop from
			// the winners bracket. Drop order alternates between rounds to
			// delay rematches.
			i := t / 2
			node.slot1 = feed{fromUID: lbUID(t-1, j)}
			drop := j
			if i%2 == 1 {
				drop = count + 1 - j
			}
			node.slot2 = wbLoserFeed(i+1, drop)
		default:
			// Minor round: winners of the previous major round pair up.
			node.slot1 = feed{fromUID: lbUID(t-1, 2*j-1)}
			node.slot2 = feed{fromUID: lbUID(t-1, 2*j)}
		}
	}

	gfSlot2 := feed{fromUID: lbUID(totalLBRounds, 1)}

	// Схлопывание: матч с одним живым источником пропускается (источник
	// подключается к его назначению), матч без живых источников умирает и
	// убивает свой feed ниже по сетке.
	setDest := func(node *lbNode, dest feed) {
		t, j := node.match.Round, node.match.OrderInRound
		if t == 2*(numRounds-1) {
			gfSlot2 = dest
			return
		}
		var target *lbNode
		var slot int
		if t%2 == 1 {
			target, slot = nodeAt[lbUID(t+1, j)], 1
		} else {
			target, slot = nodeAt[lbUID(t+1, (j+1)/2)], (j-1)%2+1
		}
		*target.slot(slot) = dest
	}

	for _, node := range nodes {
		live := 0
		var liveFeed feed
		for slot := 1; slot <= 2; slot++ {
			f := *node.slot(slot)
			if !f.dead() {
				live++
				liveFeed = f
			}
		}
		switch live {
		case 2:
			// keep
		case 1:
			node.removed = true
			setDest(node, liveFeed)
		case 0:
			node.removed = true
			setDest(node, feed{})
		}
	}

	return nodes, gfSlot2
}

// renumberLosers reassigns contiguous round numbers and per-round ordinals
// after collapse. UIDs keep their original values; they are opaque handles.
func (g *DoubleEliminationGenerator) renumberLosers(kept []*Match) {
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].Round != kept[j].Round {
			return kept[i].Round < kept[j].Round
		}
		return kept[i].OrderInRound < kept[j].OrderInRound
	})
	newRound, lastOld, order := 0, -1, 0
	for _, m := range kept {
		if m.Round != lastOld {
			lastOld = m.Round
			newRound++
			order = 0
		}
		order++
		m.Round = newRound
		m.OrderInRound = order
	}
}

func linkFeed(byUID map[string]*Match, f feed, destUID string, destSlot int) error {
	if f.dead() {
		return fmt.Errorf("dead feed survived collapse for %s slot %d", destUID, destSlot)
	}
	src, ok := byUID[f.fromUID]
	if !ok {
		return fmt.Errorf("feed references unknown match %s", f.fromUID)
	}
	if f.loser {
		src.LoserToUID = strPtr(destUID)
		src.LoserToSlot = intPtr(destSlot)
	} else {
		src.WinnerToUID = strPtr(destUID)
		src.WinnerToSlot = intPtr(destSlot)
	}
	return nil
}
