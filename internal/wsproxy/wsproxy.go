// Package wsproxy is a reverse WebSocket forwarder with a native client
// stack: every upgrade is dialed onward to the configured upstream with the
// request's path and query appended, and data frames are mirrored both ways.
package wsproxy

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Server struct {
	upstream string
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func NewServer(upstream string) *Server {
	return &Server{
		upstream: upstream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	target := s.upstream + r.URL.RequestURI()
	log.Debug().Str("target", target).Msg("connecting to upstream")

	upstream, resp, err := s.dialer.Dial(target, nil)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("failed to connect to upstream")
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode >= 400 {
			status = resp.StatusCode
		}
		http.Error(w, "upstream unavailable", status)
		return
	}
	defer upstream.Close()

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade client")
		return
	}
	defer client.Close()

	errc := make(chan error, 2)
	go pump(client, upstream, errc)
	go pump(upstream, client, errc)

	// first error (including clean close) tears down both sockets
	<-errc
	_ = client.Close()
	_ = upstream.Close()
	<-errc
}

// pump forwards data frames from src to dst. Control frames never cross:
// each side answers its own pings.
func pump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			errc <- err
			return
		}
	}
}
