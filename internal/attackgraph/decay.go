package attackgraph

import "math"

// Decay holds the constants that move effective scores away from, and back
// toward, their absolute values between planning iterations.
type Decay struct {
	HalfLifePenalty float64
	HalfLifeGain    float64
	GoalActionDecay float64
}

// DefaultDecay returns the stock constants: penalty 4, gain 2, goal-action decay 2.
func DefaultDecay() Decay {
	return Decay{HalfLifePenalty: 4, HalfLifeGain: 2, GoalActionDecay: 2}
}

// Penalize returns the new effective score of the last chosen ability after an
// iteration that satisfied no goal. maxVal is the highest absolute score among
// the goal links still available.
//
// A goal action is held strictly between maxVal-1 and maxVal so it stays
// ahead of ordinary actions without monopolizing selection. Otherwise the score
// resets to absolute when the frontier moved closer, and is halved by the
// penalty constant when it did not.
func (d Decay) Penalize(effective, absolute, maxVal float64, goalAction bool) float64 {
	switch {
	case goalAction:
		return maxVal - 1 + (effective+1-maxVal)/d.GoalActionDecay
	case maxVal > math.Abs(absolute):
		return absolute
	default:
		return effective / d.HalfLifePenalty
	}
}

// Gain moves every effective score a fraction of the way back to its absolute
// value. Abilities missing from absolute are left untouched.
func (d Decay) Gain(absolute, effective map[string]float64) {
	for id, eff := range effective {
		abs, ok := absolute[id]
		if !ok {
			continue
		}
		effective[id] = eff + (abs-eff)/d.HalfLifeGain
	}
}
