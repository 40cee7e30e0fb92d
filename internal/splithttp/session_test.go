package splithttp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startCaptureUpstream accepts connections and records everything written to
// them, in arrival order.
func startCaptureUpstream(t *testing.T) (addr string, received func() string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var buf []byte
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				tmp := make([]byte, 4096)
				for {
					n, err := c.Read(tmp)
					if n > 0 {
						mu.Lock()
						buf = append(buf, tmp[:n]...)
						mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() string {
		mu.Lock()
		defer mu.Unlock()
		return string(buf)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueReordersPackets(t *testing.T) {
	addr, received := startCaptureUpstream(t)
	reg := NewRegistry(addr)

	sess, err := reg.Upsert("abc")
	require.NoError(t, err)

	for _, seq := range []uint64{1, 0, 3, 2, 4} {
		require.NoError(t, sess.Enqueue(seq, []byte{byte('0' + seq)}))
	}

	waitFor(t, func() bool { return received() == "01234" })
	reg.Remove("abc")
}

func TestEnqueueDropsDuplicates(t *testing.T) {
	addr, received := startCaptureUpstream(t)
	reg := NewRegistry(addr)

	sess, err := reg.Upsert("dup")
	require.NoError(t, err)

	require.NoError(t, sess.Enqueue(0, []byte("a")))
	require.NoError(t, sess.Enqueue(0, []byte("X")))
	require.NoError(t, sess.Enqueue(1, []byte("b")))

	waitFor(t, func() bool { return received() == "ab" })
}

func TestEnqueueConcurrentWritersStayOrdered(t *testing.T) {
	addr, received := startCaptureUpstream(t)
	reg := NewRegistry(addr)

	sess, err := reg.Upsert("many")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			_ = sess.Enqueue(seq, []byte{byte('a' + seq%26)})
		}(uint64(i))
	}
	wg.Wait()

	want := make([]byte, n)
	for i := range want {
		want[i] = byte('a' + i%26)
	}
	waitFor(t, func() bool { return received() == string(want) })
}

func TestTakeReaderOnlyOnce(t *testing.T) {
	addr, _ := startCaptureUpstream(t)
	reg := NewRegistry(addr)

	sess, err := reg.Upsert("r")
	require.NoError(t, err)

	r1, err := sess.TakeReader()
	require.NoError(t, err)
	require.NotNil(t, r1)

	_, err = sess.TakeReader()
	require.ErrorIs(t, err, ErrReaderTaken)
}

func TestUpsertReturnsSameSession(t *testing.T) {
	addr, _ := startCaptureUpstream(t)
	reg := NewRegistry(addr)

	s1, err := reg.Upsert("same")
	require.NoError(t, err)
	s2, err := reg.Upsert("same")
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, reg.Len())
}

func TestRemoveDropsSessionAndClosesSocket(t *testing.T) {
	addr, _ := startCaptureUpstream(t)
	reg := NewRegistry(addr)

	sess, err := reg.Upsert("gone")
	require.NoError(t, err)
	reg.Remove("gone")
	require.Equal(t, 0, reg.Len())
	require.ErrorIs(t, sess.Enqueue(0, []byte("x")), ErrUpstreamClosed)
}

func TestUpsertUpstreamUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	reg := NewRegistry(addr)
	_, err = reg.Upsert("nope")
	require.Error(t, err)
	require.Equal(t, 0, reg.Len())
}
