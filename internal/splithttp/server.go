package splithttp

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Server tunnels sessions back out to a plain TCP upstream. Each session is
// one long-lived GET carrying the download direction plus any number of
// short POSTs carrying numbered upload packets.
//
//	GET  /{session}        -> stream of upstream bytes
//	POST /{session}/{seq}  -> one upload packet
type Server struct {
	sessions *Registry
}

func NewServer(upstream string) *Server {
	return &Server{sessions: NewRegistry(upstream)}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] != "":
		s.handleDown(w, r, parts[0])
	case r.Method == http.MethodPost && len(parts) == 2:
		seq, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			http.Error(w, "bad sequence number", http.StatusBadRequest)
			return
		}
		s.handleUp(w, r, parts[0], seq)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDown(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.sessions.Upsert(id)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("failed to connect to upstream")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	reader, err := sess.TakeReader()
	if err != nil {
		log.Warn().Str("session", id).Msg("duplicate download stream")
		http.Error(w, "download stream already taken", http.StatusBadGateway)
		return
	}
	defer s.sessions.Remove(id)

	// The upstream read below can outlive the client; closing the socket on
	// request cancellation is what unblocks it.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-r.Context().Done():
			sess.close()
		case <-handlerDone:
		}
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	// Old clients have no way to tell response headers from response body
	// bytes, so they wait for a sentinel chunk. A client that sends
	// x_padding is new enough to not want it.
	if !r.URL.Query().Has("x_padding") {
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	}
	flusher.Flush()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug().Str("session", id).Msg("download client went away")
				return
			}
			flusher.Flush()
		}
		if rerr != nil {
			if rerr != io.EOF {
				log.Debug().Err(rerr).Str("session", id).Msg("upstream read ended")
			}
			return
		}
	}
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request, id string, seq uint64) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	log.Debug().Str("session", id).Uint64("seq", seq).Int("bytes", len(body)).Msg("upload packet")

	sess, err := s.sessions.Upsert(id)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("failed to connect to upstream")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	if err := sess.Enqueue(seq, body); err != nil {
		http.Error(w, "upstream closed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}
