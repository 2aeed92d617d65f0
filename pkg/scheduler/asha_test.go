package scheduler

import (
	"math"
	"testing"

	"gotest.tools/assert"

	"github.com/determined-ai/trialsched/pkg/model"
)

func newASHA(opts ...func(*ASHAConfig)) *AsyncHyperBand {
	var c ASHAConfig
	c.SetDefaults()
	c.Metric = testMetric
	for _, opt := range opts {
		opt(&c)
	}
	return NewAsyncHyperBand(c)
}

func ashaTrial(t *testing.T, a *AsyncHyperBand, id string) *Trial {
	trial := NewTrial(model.TrialID(id), nil)
	assert.NilError(t, a.OnTrialAdd(nil, trial))
	return trial
}

func ashaReport(t *testing.T, a *AsyncHyperBand, trial *Trial, res Result) Decision {
	decision, err := a.OnTrialResult(nil, trial, res)
	assert.NilError(t, err)
	return decision
}

// ashaSetup reports t1 with a mean of 450 and a max of 900 up to time 9, and t2 with a constant
// 450 up to time 4.
func ashaSetup(t *testing.T, a *AsyncHyperBand) (*Trial, *Trial) {
	t1, t2 := ashaTrial(t, a, "t1"), ashaTrial(t, a, "t2")
	for i := 0; i < 10; i++ {
		assert.Equal(t, ashaReport(t, a, t1, result(float64(i), float64(i*100))), Continue)
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, ashaReport(t, a, t2, result(float64(i), 450)), Continue)
	}
	return t1, t2
}

func TestASHAOnComplete(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) { c.MaxT = 10 })
	_, t2 := ashaSetup(t, a)
	t3 := ashaTrial(t, a, "t3")
	a.OnTrialComplete(nil, t3, result(10, 1000))
	assert.Equal(t, ashaReport(t, a, t2, result(101, 0)), Stop)
}

func TestASHAGracePeriod(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.GracePeriod = 2.5
		c.ReductionFactor = 3
	})
	t1, t2 := ashaSetup(t, a)
	a.OnTrialComplete(nil, t1, result(10, 1000))
	a.OnTrialComplete(nil, t2, result(10, 1000))
	t3 := ashaTrial(t, a, "t3")
	assert.Equal(t, ashaReport(t, a, t3, result(1, 10)), Continue)
	assert.Equal(t, ashaReport(t, a, t3, result(2, 10)), Continue)
	assert.Equal(t, ashaReport(t, a, t3, result(3, 10)), Stop)
}

func TestASHAAllCompletes(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.MaxT = 10
		c.Brackets = 10
	})
	for i := 0; i < 10; i++ {
		trial := ashaTrial(t, a, string(rune('a'+i)))
		assert.Equal(t, ashaReport(t, a, trial, result(10, -2)), Stop)
	}
	assert.Equal(t, a.NumStopped, 10)
}

func TestASHAUsesPercentile(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.MaxT = 10
		c.ReductionFactor = 2
	})
	t1, t2 := ashaSetup(t, a)
	a.OnTrialComplete(nil, t1, result(10, 1000))
	a.OnTrialComplete(nil, t2, result(10, 1000))
	t3 := ashaTrial(t, a, "t3")
	assert.Equal(t, ashaReport(t, a, t3, result(1, 260)), Stop)
	assert.Equal(t, ashaReport(t, a, t3, result(2, 260)), Stop)
}

func TestASHAMinMode(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.MaxT = 10
		c.ReductionFactor = 2
		c.Mode = Min
	})
	t1, t2 := ashaTrial(t, a, "t1"), ashaTrial(t, a, "t2")
	assert.Equal(t, ashaReport(t, a, t1, result(1, 10)), Continue)
	assert.Equal(t, ashaReport(t, a, t2, result(1, 20)), Stop)
	t3 := ashaTrial(t, a, "t3")
	assert.Equal(t, ashaReport(t, a, t3, result(1, 5)), Continue)
}

func TestASHANaN(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.MaxT = 10
		c.ReductionFactor = 2
	})
	t1, t2 := ashaTrial(t, a, "t1"), ashaTrial(t, a, "t2")
	for i := 0; i < 10; i++ {
		assert.Equal(t, ashaReport(t, a, t1, result(float64(i), 450)), Continue)
	}
	assert.Equal(t, ashaReport(t, a, t2, result(0, math.NaN())), Continue)
	assert.Equal(t, ashaReport(t, a, t2, result(1, math.NaN())), Stop)

	// NaN values never move the cutoff.
	a.OnTrialComplete(nil, t1, result(10, 450))
	a.OnTrialComplete(nil, t2, result(10, math.NaN()))
	t3 := ashaTrial(t, a, "t3")
	assert.Equal(t, ashaReport(t, a, t3, result(1, 260)), Stop)
	assert.Equal(t, ashaReport(t, a, t3, result(2, 260)), Stop)
	t4 := ashaTrial(t, a, "t4")
	assert.Equal(t, ashaReport(t, a, t4, result(2, 450)), Continue)
}

func TestASHAAllNaN(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.MaxT = 10
		c.ReductionFactor = 2
	})
	t1, t2 := ashaTrial(t, a, "t1"), ashaTrial(t, a, "t2")
	assert.Equal(t, ashaReport(t, a, t1, result(1, math.NaN())), Continue)
	assert.Equal(t, ashaReport(t, a, t2, result(1, math.NaN())), Continue)
	assert.Equal(t, ashaReport(t, a, t2, result(2, math.Inf(-1))), Continue)
}

func TestASHAKeepsLastTrials(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) {
		c.MaxT = 10
		c.ReductionFactor = 2
		c.StopLastTrials = false
	})
	t1 := ashaTrial(t, a, "t1")
	for i := 1; i <= 12; i++ {
		assert.Equal(t, ashaReport(t, a, t1, result(float64(i), 1)), Continue)
	}
}

func TestASHAMissingAttributeAndUnknownTrial(t *testing.T) {
	a := newASHA()
	trial := ashaTrial(t, a, "t1")
	assert.Equal(t, ashaReport(t, a, trial, Result{TrainingIteration: 3}), Continue)
	assert.ErrorContains(t, a.OnTrialAdd(nil, trial), "already added")

	stranger := NewTrial("stranger", nil)
	assert.Equal(t, ashaReport(t, a, stranger, result(1, 1)), Continue)
	_, ok := a.TrialInfo[stranger.ID]
	assert.Assert(t, ok)

	a.OnTrialError(nil, stranger)
	_, ok = a.TrialInfo[stranger.ID]
	assert.Assert(t, !ok)
}

func TestASHAForgetsUnfinishedTrials(t *testing.T) {
	a := newASHA()
	errored := ashaTrial(t, a, "errored")
	assert.Equal(t, ashaReport(t, a, errored, result(1, 1000)), Continue)
	a.OnTrialError(nil, errored)

	modest := ashaTrial(t, a, "modest")
	assert.Equal(t, ashaReport(t, a, modest, result(1, 1)), Continue)
	assert.DeepEqual(t, a.Ladders[0].Rungs[len(a.Ladders[0].Rungs)-1].Recorded,
		map[model.TrialID]Float{"modest": 1})

	removed := ashaTrial(t, a, "removed")
	assert.Equal(t, ashaReport(t, a, removed, result(1, 1000)), Continue)
	removed.Status = StatusRunning
	a.OnTrialRemove(nil, removed)

	late := ashaTrial(t, a, "late")
	assert.Equal(t, ashaReport(t, a, late, result(1, 1)), Continue)

	// Completed trials keep ranking.
	done := ashaTrial(t, a, "done")
	a.OnTrialComplete(nil, done, result(1, 1000))
	done.Status = StatusTerminated
	a.OnTrialRemove(nil, done)
	last := ashaTrial(t, a, "last")
	assert.Equal(t, ashaReport(t, a, last, result(1, 1)), Stop)
}

func TestASHADebugString(t *testing.T) {
	a := newASHA(func(c *ASHAConfig) { c.MaxT = 10 })
	assert.Equal(t, a.DebugString(),
		"Using AsyncHyperBand: num_stopped=0\nBracket: Iter 4.000: None | Iter 1.000: None")
}

func TestASHASnapshot(t *testing.T) {
	configure := func(c *ASHAConfig) {
		c.MaxT = 10
		c.ReductionFactor = 2
	}
	a := newASHA(configure)
	t1, t2 := ashaSetup(t, a)
	a.OnTrialComplete(nil, t1, result(10, 1000))
	a.OnTrialComplete(nil, t2, result(10, 1000))

	state, err := a.Snapshot()
	assert.NilError(t, err)
	restored := newASHA(configure)
	assert.NilError(t, restored.Restore(state))
	assert.Equal(t, restored.DebugString(), a.DebugString())

	t3 := ashaTrial(t, restored, "t3")
	assert.Equal(t, ashaReport(t, restored, t3, result(1, 260)), Stop)

	mismatched := newASHA(func(c *ASHAConfig) {
		configure(c)
		c.Brackets = 2
	})
	assert.ErrorContains(t, mismatched.Restore(state), "brackets")
}
