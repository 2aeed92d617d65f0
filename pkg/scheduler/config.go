package scheduler

import (
	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/check"
	"github.com/determined-ai/trialsched/pkg/union"
)

// Config selects a scheduler and holds its options. Exactly one member is set.
type Config struct {
	FIFO           *FIFOConfig           `union:"type,fifo" json:"-"`
	MedianStopping *MedianStoppingConfig `union:"type,median_stopping" json:"-"`
	HyperBand      *HyperBandConfig      `union:"type,hyperband" json:"-"`
	ASHA           *ASHAConfig           `union:"type,asha" json:"-"`
	BOHB           *HyperBandConfig      `union:"type,bohb" json:"-"`
	PBT            *PBTConfig            `union:"type,pbt" json:"-"`
	PBTReplay      *PBTReplayConfig      `union:"type,pbt_replay" json:"-"`
}

// MarshalJSON implements the json.Marshaler interface.
func (c Config) MarshalJSON() ([]byte, error) {
	return union.Marshal(c)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *Config) UnmarshalJSON(data []byte) error {
	return errors.Wrap(union.Unmarshal(data, c), "failed to parse scheduler config")
}

// Type returns the variant the config selects, or "" if none is set.
func (c Config) Type() Type {
	switch {
	case c.FIFO != nil:
		return FIFOType
	case c.MedianStopping != nil:
		return MedianStoppingType
	case c.HyperBand != nil:
		return HyperBandType
	case c.ASHA != nil:
		return ASHAType
	case c.BOHB != nil:
		return BOHBType
	case c.PBT != nil:
		return PBTType
	case c.PBTReplay != nil:
		return PBTReplayType
	default:
		return ""
	}
}

// Metric returns the metric the configured scheduler reads, or "" if it reads none.
func (c Config) Metric() string {
	switch {
	case c.MedianStopping != nil:
		return c.MedianStopping.Metric
	case c.HyperBand != nil:
		return c.HyperBand.Metric
	case c.ASHA != nil:
		return c.ASHA.Metric
	case c.BOHB != nil:
		return c.BOHB.Metric
	case c.PBT != nil:
		return c.PBT.Metric
	default:
		return ""
	}
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	return []error{check.True(c.Type() != "", "no scheduler type is configured")}
}

// New returns the scheduler the config selects. The HyperBand for BOHB scheduler starts without
// a searcher; see HyperBandForBOHB.SetSearcher.
func New(c Config) (Scheduler, error) {
	switch {
	case c.FIFO != nil:
		return NewFIFO(), nil
	case c.MedianStopping != nil:
		return NewMedianStoppingRule(*c.MedianStopping), nil
	case c.HyperBand != nil:
		return NewHyperBand(*c.HyperBand), nil
	case c.ASHA != nil:
		return NewAsyncHyperBand(*c.ASHA), nil
	case c.BOHB != nil:
		return NewHyperBandForBOHB(*c.BOHB, nil), nil
	case c.PBT != nil:
		return NewPBT(*c.PBT)
	case c.PBTReplay != nil:
		return NewPBTReplay(*c.PBTReplay)
	default:
		return nil, errors.New("no scheduler type is configured")
	}
}
