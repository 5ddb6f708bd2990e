package main

import (
	"flag"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txmem-incubator/txmem/config"
	"github.com/txmem-incubator/txmem/metrics"
	"github.com/txmem-incubator/txmem/stm"
)

var (
	configPath  = flag.String("config", "", "config file path")
	threads     = flag.Int("threads", runtime.NumCPU(), "number of worker goroutines")
	accounts    = flag.Int("accounts", 1024, "number of bank accounts")
	duration    = flag.Duration("duration", 5*time.Second, "benchmark duration")
	readPct     = flag.Int("read-pct", 20, "percentage of read-only balance scans")
	initBalance = flag.Uint64("balance", 1000, "initial balance per account")
	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
)

type workerResult struct {
	ops       int64
	latencyNs []float64
}

func main() {
	flag.Parse()

	conf := config.NewDefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = config.FromFile(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	log.SetLevelByString(conf.LogLevel)
	if err := stm.Init(conf); err != nil {
		log.Fatalf("init stm: %v", err)
	}
	if *metricsAddr != "" {
		if err := metrics.Enable(); err != nil {
			log.Fatalf("enable metrics: %v", err)
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Errorf("metrics server: %v", http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	bank := make([]uint64, *accounts)
	for i := range bank {
		bank[i] = *initBalance
	}
	expected := uint64(*accounts) * *initBalance

	log.Infof("bank benchmark: %d threads, %d accounts, %d%% read-only, %v",
		*threads, *accounts, *readPct, *duration)

	stop := make(chan struct{})
	results := make([]workerResult, *threads)
	var wg sync.WaitGroup
	begin := time.Now()
	for w := 0; w < *threads; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w] = run(w, bank, stop)
		}(w)
	}
	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	elapsed := time.Since(begin)

	var totalOps int64
	var latencies []float64
	for _, r := range results {
		totalOps += r.ops
		latencies = append(latencies, r.latencyNs...)
	}
	report(totalOps, elapsed, latencies)
	verify(bank, expected)
}

// run drives one worker until stop closes: mostly transfers between two
// random accounts, with a configurable share of read-only full scans.
func run(seed int, bank []uint64, stop chan struct{}) workerResult {
	t := stm.InitThread()
	defer stm.ExitThread(t)

	rnd := rand.New(rand.NewSource(int64(seed)*2654435761 + 1))
	res := workerResult{latencyNs: make([]float64, 0, 1<<16)}
	for {
		select {
		case <-stop:
			return res
		default:
		}
		opBegin := time.Now()
		if rnd.Intn(100) < *readPct {
			stm.Atomically(t, stm.Attr{ReadOnly: true}, func(t *stm.Tx) {
				var sum uint64
				for i := range bank {
					sum += stm.Load(t, &bank[i])
				}
				_ = sum
			})
		} else {
			src := rnd.Intn(len(bank))
			dst := rnd.Intn(len(bank))
			if dst == src {
				// A self-transfer would merge into one write-log entry
				// and credit the account instead of netting to zero.
				dst = (dst + 1) % len(bank)
			}
			amount := uint64(rnd.Intn(10))
			stm.Atomically(t, stm.Attr{}, func(t *stm.Tx) {
				from := stm.Load(t, &bank[src])
				to := stm.Load(t, &bank[dst])
				stm.Store(t, &bank[src], from-amount)
				stm.Store(t, &bank[dst], to+amount)
			})
		}
		res.ops++
		if len(res.latencyNs) < cap(res.latencyNs) {
			res.latencyNs = append(res.latencyNs, float64(time.Since(opBegin).Nanoseconds()))
		}
	}
}

func report(totalOps int64, elapsed time.Duration, latencies []float64) {
	opsPerSec := float64(totalOps) / elapsed.Seconds()
	log.Infof("%s transactions in %v (%s/sec)",
		humanize.Comma(totalOps), elapsed.Round(time.Millisecond),
		humanize.Comma(int64(opsPerSec)))
	for _, p := range []float64{50, 95, 99} {
		v, err := stats.Percentile(latencies, p)
		if err != nil {
			log.Warningf("latency p%.0f: %v", p, err)
			continue
		}
		log.Infof("latency p%.0f: %v", p, time.Duration(v))
	}
	log.Infof("clock advanced to %d", stm.GetClock())
}

// verify recomputes the total balance transactionally: transfers move
// money around but must conserve it.
func verify(bank []uint64, expected uint64) {
	t := stm.InitThread()
	defer stm.ExitThread(t)
	var sum uint64
	stm.Atomically(t, stm.Attr{ReadOnly: true}, func(t *stm.Tx) {
		sum = 0
		for i := range bank {
			sum += stm.Load(t, &bank[i])
		}
	})
	if sum != expected {
		log.Fatalf("balance leak: have %d, want %d", sum, expected)
	}
	log.Infof("balance conserved: %s", humanize.Comma(int64(sum)))
}
