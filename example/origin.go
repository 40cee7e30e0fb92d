package main

// Minimal echo origin for exercising minidialer by hand. It answers three
// shapes of upstream at once on one port:
//
//   - raw TCP bytes are echoed back (tcp-fragment, split-http-server, tcp --no-tls)
//   - HTTP GET /               responds with a greeting
//   - WebSocket upgrade on /ws echoes frames (browser, ws)
//
// Run (from repo root):
//   go run ./example
// Then, in separate terminals:
//   ./bin/minidialer split-http-server 127.0.0.1:9000 --port 3001
//   ./bin/minidialer split-http http://127.0.0.1:3001 --port 3000
//   ./bin/probe -addr 127.0.0.1:3000
//
// Raw-TCP echo and HTTP share the port by sniffing the first bytes of each
// connection: anything that does not look like an HTTP method is echoed.

import (
	"bufio"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var httpMethods = []string{"GET ", "POST ", "PUT ", "HEAD ", "DELETE ", "OPTIONS ", "PATCH "}

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "listen address")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *addr, err)
	}
	log.Printf("[origin] echoing on %s (tcp, http, websocket /ws)", *addr)

	httpLn := newSteerableListener(ln.Addr())
	go serveHTTP(httpLn)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		go func(c net.Conn) {
			br := bufio.NewReader(c)
			if _, err := br.Peek(1); err != nil {
				c.Close()
				return
			}
			// a client that writes fewer than 8 bytes and waits for the echo
			// is sniffed on what arrived within a short grace period
			_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			first, _ := br.Peek(8)
			_ = c.SetReadDeadline(time.Time{})
			wrapped := peekedConn{Conn: c, reader: br}
			if looksLikeHTTP(string(first)) {
				httpLn.steer(wrapped)
				return
			}
			defer c.Close()
			_, _ = io.Copy(c, br)
		}(conn)
	}
}

func looksLikeHTTP(prefix string) bool {
	for _, m := range httpMethods {
		if strings.HasPrefix(prefix, m) {
			return true
		}
	}
	return false
}

func serveHTTP(ln net.Listener) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("hello from the echo origin\n"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, data); err != nil {
				return
			}
		}
	})
	log.Fatal(http.Serve(ln, mux))
}

// steerableListener feeds pre-sniffed connections into an http.Server.
type steerableListener struct {
	addr  net.Addr
	conns chan net.Conn
}

func newSteerableListener(addr net.Addr) *steerableListener {
	return &steerableListener{addr: addr, conns: make(chan net.Conn)}
}

func (l *steerableListener) steer(c net.Conn) { l.conns <- c }

func (l *steerableListener) Accept() (net.Conn, error) { return <-l.conns, nil }
func (l *steerableListener) Close() error              { return nil }
func (l *steerableListener) Addr() net.Addr            { return l.addr }

// peekedConn replays bytes already buffered by the sniffing reader.
type peekedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (p peekedConn) Read(b []byte) (int, error) { return p.reader.Read(b) }
