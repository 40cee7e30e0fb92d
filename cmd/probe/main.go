package main

// Probe harness: drives a batch of TCP connections through a running
// minidialer listener and reports how they fared. It is the quickest way to
// tell whether a transport is forwarding at all, fast-failing, or hanging
// until timeout (a middlebox swallowing the stream looks like the latter).
//
// Usage examples:
//   go run ./cmd/probe -addr 127.0.0.1:3000 -attempts 50 \
//       -payload $'GET / HTTP/1.1\r\nHost: www.speedtest.net\r\n\r\n'
//   go run ./cmd/probe -addr 127.0.0.1:3000 -attempts 20 -timeout 5s

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Result struct {
	Attempt int
	Dur     time.Duration
	Bytes   int
	Err     error
	Class   string // success|fast_fail|timeout|other
}

type EWMA struct {
	alpha float64
	value float64
	set   bool
}

func (e *EWMA) Update(v float64) {
	if !e.set {
		e.value = v
		e.set = true
		return
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
}

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:3000", "minidialer listener to probe")
		attempts    = flag.Int("attempts", 20, "total connection attempts")
		concurrency = flag.Int("concurrency", 5, "concurrent workers")
		timeout     = flag.Duration("timeout", 3*time.Second, "per-attempt read deadline")
		payload     = flag.String("payload", "ping\n", "bytes written after connecting")
		alpha       = flag.Float64("ewma-alpha", 0.2, "EWMA smoothing factor")
	)
	flag.Parse()

	classify := func(err error, dur time.Duration) string {
		if err == nil {
			return "success"
		}
		es := err.Error()
		switch {
		case strings.Contains(es, "timeout") || strings.Contains(es, "deadline exceeded"):
			return "timeout"
		case dur < 500*time.Millisecond:
			return "fast_fail"
		}
		return "other"
	}

	var (
		results   []Result
		resultsMu sync.Mutex
		idx       int32
		ewma      = EWMA{alpha: *alpha}
	)

	worker := func() {
		buf := make([]byte, 4096)
		for {
			my := int(atomic.AddInt32(&idx, 1))
			if my > *attempts {
				return
			}
			start := time.Now()
			res := Result{Attempt: my}

			conn, err := net.DialTimeout("tcp", *addr, *timeout)
			if err == nil {
				_ = conn.SetDeadline(time.Now().Add(*timeout))
				if _, werr := conn.Write([]byte(*payload)); werr != nil {
					err = werr
				} else {
					n, rerr := conn.Read(buf)
					res.Bytes = n
					if n == 0 {
						err = rerr
					}
				}
				conn.Close()
			}
			res.Dur = time.Since(start)
			res.Err = err
			res.Class = classify(err, res.Dur)

			resultsMu.Lock()
			results = append(results, res)
			ewma.Update(float64(res.Dur.Milliseconds()))
			resultsMu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); worker() }()
	}
	wg.Wait()

	counts := map[string]int{}
	var durs []time.Duration
	for _, r := range results {
		counts[r.Class]++
		durs = append(durs, r.Dur)
	}
	sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
	pct := func(p float64) time.Duration {
		if len(durs) == 0 {
			return 0
		}
		i := int(p * float64(len(durs)-1))
		return durs[i]
	}

	fmt.Printf("attempts=%d success=%d fast_fail=%d timeout=%d other=%d\n",
		len(results), counts["success"], counts["fast_fail"], counts["timeout"], counts["other"])
	fmt.Printf("latency ewma=%.0fms p50=%v p90=%v p99=%v\n", ewma.value, pct(0.50), pct(0.90), pct(0.99))

	if counts["success"] == 0 {
		fmt.Println("no attempt succeeded; is the listener up and the upstream reachable?")
		os.Exit(1)
	}
}
