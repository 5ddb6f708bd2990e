package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txmem-incubator/txmem/config"
	"github.com/txmem-incubator/txmem/stm"
)

// gather sums all samples of a metric family, optionally filtered by a
// label value.
func gather(t *testing.T, name, labelValue string) float64 {
	fams, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var sum float64
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelValue != "" {
				matched := false
				for _, l := range m.GetLabel() {
					if l.GetValue() == labelValue {
						matched = true
					}
				}
				if !matched {
					continue
				}
			}
			sum += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return sum
}

func TestCollectors(t *testing.T) {
	require.NoError(t, stm.Init(config.NewTestConfig()))
	require.NoError(t, Enable())
	assert.Error(t, Enable(), "double enable")

	tx := stm.InitThread()
	assert.Equal(t, float64(1), gather(t, "txmem_threads", ""))

	var w uint64
	require.True(t, stm.Atomically(tx, stm.Attr{}, func(tx *stm.Tx) {
		stm.Store(tx, &w, 1)
	}))
	stm.Atomically(tx, stm.Attr{NoRetry: true}, func(tx *stm.Tx) {
		stm.Abort(tx, 0)
	})
	stm.ExitThread(tx)

	assert.Equal(t, float64(2), gather(t, "txmem_starts_total", ""))
	assert.Equal(t, float64(1), gather(t, "txmem_commits_total", ""))
	assert.Equal(t, float64(1), gather(t, "txmem_aborts_total", "explicit"))
	assert.Equal(t, float64(0), gather(t, "txmem_threads", ""))
	assert.Equal(t, float64(stm.GetClock()), gather(t, "txmem_clock", ""))
}
