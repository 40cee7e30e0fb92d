// Package cdntest is a tiny origin for probing CDN buffering behavior: a
// path in front of it only works for streaming if the first chunk of
// /chunked-pong arrives after roughly the start delay, not all at once at
// the end.
package cdntest

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Origin serves the probe endpoints. The delays are fields so tests don't
// have to wait out the real cadence.
type Origin struct {
	StartDelay time.Duration
	Interval   time.Duration
}

func NewOrigin() *Origin {
	return &Origin{StartDelay: 3 * time.Second, Interval: time.Second}
}

func (o *Origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/chunked-pong" {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	select {
	case <-time.After(o.StartDelay):
	case <-r.Context().Done():
		return
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Write([]byte("x\n")); err != nil {
			log.Debug().Msg("chunked-pong client went away")
			return
		}
		flusher.Flush()
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
