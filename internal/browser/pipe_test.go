package browser

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestPipeDelivery(t *testing.T) {
	a, b := newPipe()
	require.NoError(t, a.send(frame{kind: websocket.TextMessage, data: []byte("hi")}))
	f, err := b.recv()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, f.kind)
	require.Equal(t, "hi", string(f.data))

	require.NoError(t, b.send(frame{kind: websocket.BinaryMessage, data: []byte{1, 2}}))
	f, err = a.recv()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, f.data)
}

func TestPipeClosedPeerFailsSendAndRecv(t *testing.T) {
	a, b := newPipe()
	b.close()

	err := a.send(frame{data: []byte("x")})
	require.ErrorIs(t, err, errPipeClosed)
	_, err = a.recv()
	require.ErrorIs(t, err, errPipeClosed)
}

func TestPipeCloseIsIdempotent(t *testing.T) {
	a, _ := newPipe()
	a.close()
	a.close()
}

func TestPipeBuffersWithoutReceiver(t *testing.T) {
	a, b := newPipe()
	for i := 0; i < 100; i++ {
		require.NoError(t, a.send(frame{data: []byte{byte(i)}}))
	}
	for i := 0; i < 100; i++ {
		f, err := b.recv()
		require.NoError(t, err)
		require.Equal(t, byte(i), f.data[0])
	}
}
