package splithttp

import (
	"container/heap"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrReaderTaken reports a second download handler for the same session.
	ErrReaderTaken = errors.New("download stream already taken")
	// ErrUpstreamClosed reports a write against a dead upstream socket.
	ErrUpstreamClosed = errors.New("upstream connection closed")
)

// packet is one upload chunk waiting for ordered delivery.
type packet struct {
	seq     uint64
	payload []byte
}

// packetHeap orders pending packets by sequence number, smallest first.
type packetHeap []packet

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(packet)) }
func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	*h = old[:n-1]
	return p
}

// Session binds one logical client connection to a single upstream TCP
// socket. Uploads may arrive on any number of handlers in any order; the
// heap plus nextSeq serialize them back into the original byte stream. The
// session mutex is held across the upstream write on purpose: ordered
// delivery is the invariant.
type Session struct {
	conn *net.TCPConn

	mu          sync.Mutex
	nextSeq     uint64
	queue       packetHeap
	readerTaken bool
}

// TakeReader hands out the upstream read half. Exactly one caller per
// session ever gets it; the rest see ErrReaderTaken.
func (s *Session) TakeReader() (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readerTaken {
		return nil, ErrReaderTaken
	}
	s.readerTaken = true
	return s.conn, nil
}

// Enqueue inserts an upload packet and drains the heap in order: every
// contiguously numbered packet goes to the upstream socket, packets from the
// future wait, packets from the past are duplicates and are dropped.
func (s *Session) Enqueue(seq uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.queue, packet{seq: seq, payload: payload})
	for s.queue.Len() > 0 && s.queue[0].seq <= s.nextSeq {
		pkt := heap.Pop(&s.queue).(packet)
		if pkt.seq != s.nextSeq {
			log.Debug().Uint64("seq", pkt.seq).Msg("dropping duplicate upload packet")
			continue
		}
		if _, err := s.conn.Write(pkt.payload); err != nil {
			log.Debug().Err(err).Msg("failed to write to closed upstream")
			return ErrUpstreamClosed
		}
		s.nextSeq++
	}
	return nil
}

func (s *Session) close() {
	_ = s.conn.Close()
}

// Registry is the process-wide map from session identifier to upstream
// socket. Entries appear on the first request naming the identifier and
// disappear when the download stream ends.
type Registry struct {
	upstream string

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(upstream string) *Registry {
	return &Registry{
		upstream: upstream,
		sessions: make(map[string]*Session),
	}
}

// Upsert returns the session for id, dialing a fresh upstream connection if
// none exists yet. When two handlers race on the same new id, whichever
// handle is installed first wins and the loser's socket is discarded.
func (r *Registry) Upsert(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return sess, nil
	}

	conn, err := net.Dial("tcp", r.upstream)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to upstream")
	}
	tcp := conn.(*net.TCPConn)
	_ = tcp.SetNoDelay(true)

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		_ = tcp.Close()
		return existing, nil
	}
	sess = &Session{conn: tcp}
	r.sessions[id] = sess
	r.mu.Unlock()
	log.Debug().Str("session", id).Msg("session created")
	return sess, nil
}

// Remove drops the session and closes its upstream socket.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		sess.close()
		log.Debug().Str("session", id).Msg("session removed")
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
