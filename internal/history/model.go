package history

import (
	"strconv"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// Estimate is the outcome of a success-probability query. Probability is
// meaningful only when Defined is true.
type Estimate struct {
	Probability  float64
	Observations int
	Defined      bool
}

// successQuery selects rows whose link finished with status 0.
var successQuery = Query{Equals: map[string]string{FeatureStatus: strconv.Itoa(int(schemas.StatusSuccess))}}

// Model is a naive-Bayes success estimator over a fixed matrix.
type Model struct {
	matrix    *Matrix
	successes *Matrix
}

// NewModel indexes the matrix for probability queries.
func NewModel(m *Matrix) *Model {
	if m == nil {
		m = &Matrix{}
	}
	return &Model{matrix: m, successes: m.Filter(successQuery)}
}

// Matrix returns the underlying matrix.
func (m *Model) Matrix() *Matrix { return m.matrix }

// SuccessProbability computes P(success | features) = P(features | success) ×
// P(success) / P(features) with relative frequencies over the matrix.
//
// The estimate is undefined for an empty matrix and when fewer than
// minLinkData rows match the query. With matching rows but no successes
// anywhere in the matrix the estimate is a defined zero.
func (m *Model) SuccessProbability(q Query, minLinkData int) Estimate {
	total := m.matrix.Len()
	if total == 0 {
		return Estimate{}
	}

	matching := m.matrix.Count(q)
	if matching < minLinkData || matching == 0 {
		return Estimate{Observations: matching}
	}

	successes := m.successes.Len()
	if successes == 0 {
		return Estimate{Probability: 0, Observations: matching, Defined: true}
	}

	pA := float64(successes) / float64(total)
	pB := float64(matching) / float64(total)
	pBgivenA := float64(m.successes.Count(q)) / float64(successes)

	return Estimate{
		Probability:  pBgivenA * pA / pB,
		Observations: matching,
		Defined:      true,
	}
}

// ThresholdFromVisibility derives the minimum acceptable success probability
// from an operation's visibility setting: (99 - visibility) / 100.
func ThresholdFromVisibility(visibility int) float64 {
	return (99.0 - float64(visibility)) / 100.0
}
