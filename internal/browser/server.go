package browser

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed dialer.js
var dialerJS []byte

// Server is a reverse-WebSocket gateway: browsers visit /minidialer/ and
// park an idle WebSocket on /minidialer/socket; every other WebSocket
// upgrade is a client whose bytes are piped through one of those browsers,
// so the upstream TLS handshake originates from a real browser stack.
type Server struct {
	upstream string
	csrf     string
	idle     chan *pipeEnd
	upgrader websocket.Upgrader
}

func NewServer(upstream string) (*Server, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, errors.Wrap(err, "failed to generate csrf token")
	}
	return &Server{
		upstream: upstream,
		csrf:     hex.EncodeToString(token),
		idle:     make(chan *pipeEnd, pipeDepth),
		upgrader: websocket.Upgrader{
			// the dialer page may be opened from any origin; the csrf token
			// is what gates the browser channel
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/minidialer/":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<script src="/minidialer/dialer.js"></script>
<script>minidialer(%q);</script>
`, s.csrf)
	case "/minidialer/dialer.js":
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write(dialerJS)
	case "/minidialer/socket":
		s.handleBrowser(w, r)
	default:
		if !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		s.handleClient(w, r)
	}
}

// handleBrowser parks a connected browser in the idle queue and mirrors it
// against whichever client eventually claims it.
func (s *Server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("csrf") != s.csrf {
		log.Warn().Str("addr", r.RemoteAddr).Msg("browser channel with bad csrf token")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade browser channel")
		return
	}
	defer ws.Close()
	tag := uuid.NewString()

	getPipe := func() (*pipeEnd, error) {
		local, remote := newPipe()
		s.idle <- remote
		log.Debug().Str("browser", tag).Int("idle", len(s.idle)).Msg("added browser")
		return local, nil
	}
	mirror(ws, getPipe, "browser_handler")
}

// handleClient borrows an idle browser, tells it where to dial, and mirrors
// the client against it.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	target := s.upstream + r.URL.RequestURI()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade client channel")
		return
	}
	defer ws.Close()

	getPipe := func() (*pipeEnd, error) { return s.claimBrowser(target) }
	mirror(ws, getPipe, "client_handler")
}

// claimBrowser dequeues idle browsers until one acknowledges the dial
// request with "ready".
func (s *Server) claimBrowser(target string) (*pipeEnd, error) {
	for {
		end := <-s.idle
		log.Debug().Int("idle", len(s.idle)).Msg("used browser")

		if err := end.send(frame{kind: websocket.TextMessage, data: []byte(target)}); err != nil {
			log.Debug().Msg("pipe broke while trying to dial, dropping")
			end.close()
			continue
		}
		f, err := end.recv()
		if err == nil && string(f.data) == "ready" {
			return end, nil
		}
		log.Warn().Msg("the browser is not responding to dialer requests. check browser console?")
		end.close()
	}
}
