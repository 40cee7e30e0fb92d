package transport

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral port and releases it for the code under test.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestServeRunsHandlerPerConnection(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan string, 8)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1", port, func(conn net.Conn) error {
			b, _ := io.ReadAll(conn)
			served <- string(b)
			return nil
		})
	}()

	addr := Addr("127.0.0.1", port)
	for _, msg := range []string{"one", "two"} {
		var conn net.Conn
		var err error
		// the listener may not be up yet on the first dial
		for i := 0; i < 50; i++ {
			conn, err = net.Dial("tcp", addr)
			if err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		require.NoError(t, err)
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-served:
			got[s] = true
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not run")
		}
	}
	require.True(t, got["one"] && got["two"])

	cancel()
	require.NoError(t, <-done)
}

func TestServeBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	err = Serve(context.Background(), "127.0.0.1", port, func(net.Conn) error { return nil })
	require.Error(t, err)
}

func TestJoinMirrorsBothDirections(t *testing.T) {
	aLocal, aRemote := net.Pipe()
	bLocal, bRemote := net.Pipe()

	done := make(chan error, 1)
	go func() { done <- Join(aRemote, bRemote) }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := aLocal.Write([]byte("down-to-up"))
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := bLocal.Write([]byte("up-to-down"))
		require.NoError(t, err)
	}()

	buf := make([]byte, 10)
	_, err := io.ReadFull(bLocal, buf)
	require.NoError(t, err)
	require.Equal(t, "down-to-up", string(buf))

	_, err = io.ReadFull(aLocal, buf)
	require.NoError(t, err)
	require.Equal(t, "up-to-down", string(buf))

	wg.Wait()
	require.NoError(t, aLocal.Close())
	require.NoError(t, <-done)
}
