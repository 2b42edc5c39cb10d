package risk

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"options-backtester/internal/models"
)

func TestProperty_GreeksBookMatchesSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregate equals sum of live contributions", prop.ForAll(
		func(ids []int, deltas []float64) bool {
			m := newTestManager()
			live := map[int64]float64{}
			for i, id := range ids {
				d := deltas[i%len(deltas)]
				key := int64(id % 5)
				if d < 0 && i%3 == 0 {
					m.RemovePosition(key)
					delete(live, key)
					continue
				}
				m.UpdatePosition(key, models.Greeks{Delta: d})
				live[key] = d
			}
			sum := 0.0
			for _, d := range live {
				sum += d
			}
			diff := m.Greeks().Delta - sum
			return diff < 1e-6 && diff > -1e-6 && m.Greeks().Positions == len(live)
		},
		gen.SliceOfN(30, gen.IntRange(0, 100)),
		gen.SliceOfN(7, gen.Float64Range(-50, 50)),
	))

	properties.TestingRun(t)
}
