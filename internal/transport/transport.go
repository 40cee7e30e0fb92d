package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Handler processes one accepted downstream connection. The connection is
// closed by the caller when the handler returns.
type Handler func(conn net.Conn) error

// Addr joins a host and port the way every transport listens.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Serve accepts TCP connections on host:port and runs each through handler
// on its own goroutine. A handler error closes that one connection and is
// logged; it never stops the listener. Serve returns when ctx ends or the
// bind fails.
func Serve(ctx context.Context, host string, port int, handler Handler) error {
	addr := Addr(host, port)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var connID int64
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		id := atomic.AddInt64(&connID, 1)
		go func(id int64, c net.Conn) {
			defer c.Close()
			log.Debug().Int64("conn", id).Str("addr", c.RemoteAddr().String()).Msg("new connection")
			if err := handler(c); err != nil {
				log.Warn().Err(err).Int64("conn", id).Msg("connection closed")
				return
			}
			log.Debug().Int64("conn", id).Msg("connection closed")
		}(id, conn)
	}
}

// ServeHTTP binds host:port and serves h until ctx ends, then shuts the
// server down gracefully.
func ServeHTTP(ctx context.Context, host string, port int, h http.Handler) error {
	addr := Addr(host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	srv := &http.Server{Handler: h}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Join mirrors bytes between two endpoints until either side closes, then
// tears both down. End-of-stream is a clean result.
func Join(downstream, upstream io.ReadWriteCloser) error {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(upstream, downstream)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(downstream, upstream)
		errc <- err
	}()

	err1 := <-errc
	_ = downstream.Close()
	_ = upstream.Close()
	err2 := <-errc

	for _, e := range []error{err1, err2} {
		if e != nil && !IsExpectedClose(e) {
			return e
		}
	}
	return nil
}

// IsExpectedClose reports whether err is one of the shapes a torn-down
// endpoint produces, rather than a real failure. Which one shows up depends
// on the endpoint: TCP sockets, in-memory pipes and process pipes all spell
// "the other half is gone" differently.
func IsExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
