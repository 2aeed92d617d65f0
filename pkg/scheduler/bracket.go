package scheduler

import (
	"fmt"
	"math"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/emirpasic/gods/sets/linkedhashset"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/trialsched/pkg/model"
)

// bracket is one successive halving ladder. Live trials keep the order they were added in,
// mapped to their latest result (nil until they report).
type bracket struct {
	live *orderedmap.OrderedMap[model.TrialID, Result]
	all  []model.TrialID

	n, n0          int
	r, r0          int
	cumulR         int
	halves         int
	totalWork      int
	completedWork  float64
	beingProcessed bool
	// toUnpause holds paused winners waiting for ChooseTrialToRun, in promotion order.
	toUnpause *linkedhashset.Set

	timeAttr       string
	maxT           float64
	eta            float64
	stopLastTrials bool
}

func newBracket(
	timeAttr string, n, r int, maxT, eta float64, s int, stopLastTrials bool,
) *bracket {
	b := &bracket{
		live:           orderedmap.NewOrderedMap[model.TrialID, Result](),
		n:              n,
		n0:             n,
		r:              r,
		r0:             r,
		cumulR:         r,
		halves:         s,
		toUnpause:      linkedhashset.New(),
		timeAttr:       timeAttr,
		maxT:           maxT,
		eta:            eta,
		stopLastTrials: stopLastTrials,
	}
	b.totalWork = b.calculateTotalWork(n, r, s)
	return b
}

func (b *bracket) addTrial(id model.TrialID) {
	b.live.Set(id, nil)
	b.all = append(b.all, id)
}

func (b *bracket) has(id model.TrialID) bool {
	_, ok := b.live.Get(id)
	return ok
}

func (b *bracket) resultTime(result Result) float64 {
	if result == nil {
		return 0
	}
	t, _ := result.Float(b.timeAttr)
	return t
}

// curIterDone is true once every live trial has reached the current milestone.
func (b *bracket) curIterDone() bool {
	for el := b.live.Front(); el != nil; el = el.Next() {
		if b.resultTime(el.Value) < float64(b.cumulR) {
			return false
		}
	}
	return true
}

func (b *bracket) finished() bool {
	if !b.stopLastTrials {
		return false
	}
	return b.halves == 0 && b.curIterDone()
}

func (b *bracket) currentTrials() []model.TrialID {
	return b.live.Keys()
}

func (b *bracket) continueTrial(id model.TrialID) bool {
	result, _ := b.live.Get(id)
	if !b.stopLastTrials && b.halves == 0 {
		return true
	}
	return b.resultTime(result) < float64(b.cumulR)
}

func (b *bracket) filled() bool {
	return b.live.Len() == b.n
}

// successiveHalving advances to the next rung and splits the live trials into the ones that
// survive it and the ones that do not. Ties keep insertion order.
func (b *bracket) successiveHalving(metric string, op float64) (good, bad []model.TrialID) {
	if b.halves == 0 {
		return b.currentTrials(), nil
	}
	b.halves--
	b.n = int(math.Ceil(float64(b.n) / b.eta))
	b.r = int(math.Min(float64(b.r)*b.eta, b.maxT))
	b.cumulR = b.r

	ranked := b.currentTrials()
	score := func(id model.TrialID) float64 {
		result, _ := b.live.Get(id)
		v, ok := result.Float(metric)
		if !ok || math.IsNaN(v) {
			return math.Inf(-1)
		}
		return op * v
	}
	slices.SortStableFunc(ranked, func(x, y model.TrialID) int {
		sx, sy := score(x), score(y)
		switch {
		case sx < sy:
			return -1
		case sx > sy:
			return 1
		default:
			return 0
		}
	})
	cut := len(ranked) - b.n
	if cut < 0 {
		cut = 0
	}
	return ranked[cut:], ranked[:cut]
}

func (b *bracket) updateTrialStats(log *logrus.Entry, id model.TrialID, result Result) {
	last, _ := b.live.Get(id)
	observed := b.resultTime(result)
	delta := observed - b.resultTime(last)
	if delta <= 0 {
		log.Debugf("restoring trial %s from a previous point in time: previous=%v now=%v",
			id, b.resultTime(last), observed)
	}
	b.completedWork += delta
	b.live.Set(id, result)
	b.toUnpause.Remove(id)
}

func (b *bracket) cleanupTrial(id model.TrialID) {
	b.live.Delete(id)
	b.toUnpause.Remove(id)
}

// cleanupFull stops every paused trial left in a finished bracket.
func (b *bracket) cleanupFull(ctl Controller, index map[model.TrialID]*Trial) {
	for _, id := range b.currentTrials() {
		if t, ok := index[id]; ok && t.Status == StatusPaused {
			ctl.StopTrial(t)
		}
	}
}

func (b *bracket) completionPercentage() float64 {
	if b.totalWork == 0 {
		return 0
	}
	return b.completedWork / float64(b.totalWork)
}

func (b *bracket) calculateTotalWork(n, r, s int) int {
	work := 0
	for i := 0; i <= s; i++ {
		work += n * r
		n = int(math.Ceil(float64(n) / b.eta))
		r = int(math.Min(float64(r)*b.eta, b.maxT))
	}
	return work
}

// queued returns the paused trials waiting to be unpaused, in promotion order.
func (b *bracket) queued() []model.TrialID {
	values := b.toUnpause.Values()
	ids := make([]model.TrialID, 0, len(values))
	for _, v := range values {
		ids = append(ids, v.(model.TrialID))
	}
	return ids
}

func (b *bracket) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bracket(Max Size (n)=%d, Milestone (r)=%d, completed=%.1f%%): {",
		b.n, b.cumulR, 100*b.completionPercentage())
	var parts []string
	for el := b.live.Front(); el != nil; el = el.Next() {
		parts = append(parts, fmt.Sprintf("%s: %v", el.Key, b.resultTime(el.Value)))
	}
	sb.WriteString(strings.Join(parts, ", "))
	sb.WriteString("}")
	return sb.String()
}

type liveTrial struct {
	ID     model.TrialID `json:"id"`
	Result Result        `json:"result"`
}

type bracketSnapshot struct {
	Live           []liveTrial     `json:"live"`
	All            []model.TrialID `json:"all"`
	N              int             `json:"n"`
	N0             int             `json:"n0"`
	R              int             `json:"r"`
	R0             int             `json:"r0"`
	CumulR         int             `json:"cumul_r"`
	Halves         int             `json:"halves"`
	TotalWork      int             `json:"total_work"`
	CompletedWork  Float           `json:"completed_work"`
	BeingProcessed bool            `json:"being_processed"`
	ToUnpause      []model.TrialID `json:"to_unpause"`
}

func (b *bracket) snapshot() *bracketSnapshot {
	s := &bracketSnapshot{
		All:            append([]model.TrialID(nil), b.all...),
		N:              b.n,
		N0:             b.n0,
		R:              b.r,
		R0:             b.r0,
		CumulR:         b.cumulR,
		Halves:         b.halves,
		TotalWork:      b.totalWork,
		CompletedWork:  Float(b.completedWork),
		BeingProcessed: b.beingProcessed,
		ToUnpause:      b.queued(),
	}
	for el := b.live.Front(); el != nil; el = el.Next() {
		s.Live = append(s.Live, liveTrial{ID: el.Key, Result: el.Value})
	}
	return s
}

func restoreBracket(
	s *bracketSnapshot, timeAttr string, maxT, eta float64, stopLastTrials bool,
) *bracket {
	b := &bracket{
		live:           orderedmap.NewOrderedMap[model.TrialID, Result](),
		all:            s.All,
		n:              s.N,
		n0:             s.N0,
		r:              s.R,
		r0:             s.R0,
		cumulR:         s.CumulR,
		halves:         s.Halves,
		totalWork:      s.TotalWork,
		completedWork:  float64(s.CompletedWork),
		beingProcessed: s.BeingProcessed,
		toUnpause:      linkedhashset.New(),
		timeAttr:       timeAttr,
		maxT:           maxT,
		eta:            eta,
		stopLastTrials: stopLastTrials,
	}
	for _, lt := range s.Live {
		b.live.Set(lt.ID, lt.Result)
	}
	for _, id := range s.ToUnpause {
		b.toUnpause.Add(id)
	}
	return b
}
