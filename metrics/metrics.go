// Package metrics exports Prometheus collectors for the transactional
// memory. It observes the engine purely through the public callback
// hooks and introspection calls; the engine itself carries no metrics
// code.
package metrics

import (
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/txmem-incubator/txmem/stm"
)

var (
	starts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txmem",
		Name:      "starts_total",
		Help:      "Outermost transactions started.",
	})
	commits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "txmem",
		Name:      "commits_total",
		Help:      "Transactions committed.",
	})
	aborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txmem",
		Name:      "aborts_total",
		Help:      "Transactions aborted, by reason.",
	}, []string{"reason"})
	threads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "txmem",
		Name:      "threads",
		Help:      "Registered transactional threads.",
	})
	clockValue = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "txmem",
		Name:      "clock",
		Help:      "Current value of the global commit clock.",
	}, func() float64 {
		return float64(stm.GetClock())
	})
)

var enabled bool

// Enable registers the collectors and hooks them into the engine
// callbacks. Call after stm.Init and before transactional threads
// start.
func Enable() error {
	if enabled {
		return errors.New("metrics already enabled")
	}
	if err := stm.Register(onThreadInit, onThreadExit, onStart, nil, onCommit, onAbort, nil); err != nil {
		return err
	}
	prometheus.MustRegister(starts, commits, aborts, threads, clockValue)
	enabled = true
	return nil
}

func onThreadInit(t *stm.Tx, arg interface{}) {
	threads.Inc()
}

func onThreadExit(t *stm.Tx, arg interface{}) {
	threads.Dec()
}

func onStart(t *stm.Tx, arg interface{}) {
	starts.Inc()
}

func onCommit(t *stm.Tx, arg interface{}) {
	commits.Inc()
}

func onAbort(t *stm.Tx, arg interface{}) {
	aborts.WithLabelValues(t.AbortReason().String()).Inc()
}
