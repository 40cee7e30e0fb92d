package fragment

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"minidialer/internal/transport"
)

const readBufferSize = 64 * 1024

// Config describes a fragmenting forwarder.
type Config struct {
	// Upstream is the host:port the proxied bytes are forwarded to.
	Upstream string
	// SplitAfter is the pattern after which a packet boundary is forced.
	SplitAfter []byte
	// SplitSleep is the forced delay at each boundary. Values below one
	// millisecond effectively disable fragmentation, since the delay is the
	// mechanism.
	SplitSleep time.Duration
}

// Forwarder proxies TCP connections to a fixed upstream, forcing a packet
// boundary after every occurrence of the configured pattern in the
// client-to-upstream direction.
type Forwarder struct {
	cfg   Config
	sleep func(time.Duration)
}

func NewForwarder(cfg Config) (*Forwarder, error) {
	if _, err := NewScanner(cfg.SplitAfter); err != nil {
		return nil, err
	}
	return &Forwarder{cfg: cfg, sleep: time.Sleep}, nil
}

// HandleConn mirrors one downstream connection against a fresh upstream TCP
// connection until either side closes. Bytes are never dropped or reordered;
// the only interference is the delay at pattern boundaries.
func (f *Forwarder) HandleConn(downstream net.Conn) error {
	upstream, err := net.Dial("tcp", f.cfg.Upstream)
	if err != nil {
		return errors.Wrap(err, "failed to connect to upstream")
	}

	errc := make(chan error, 2)

	go func() {
		_, err := io.Copy(downstream, upstream)
		errc <- errors.Wrap(err, "failed to copy from upstream")
	}()

	go func() {
		errc <- f.copyFragmented(upstream, downstream)
	}()

	err1 := <-errc
	_ = downstream.Close()
	_ = upstream.Close()
	err2 := <-errc

	for _, e := range []error{err1, err2} {
		if e != nil && !transport.IsExpectedClose(e) {
			return e
		}
	}
	return nil
}

// copyFragmented forwards downstream bytes to upstream, sleeping after each
// pattern occurrence so the upstream TCP stack emits the pre-split and
// post-split bytes as separate segments.
func (f *Forwarder) copyFragmented(upstream io.Writer, downstream io.Reader) error {
	scanner, err := NewScanner(f.cfg.SplitAfter)
	if err != nil {
		return err
	}
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := downstream.Read(buf)
		if n > 0 {
			for _, seg := range scanner.Scan(buf[:n]) {
				if _, werr := upstream.Write(seg.Data); werr != nil {
					return errors.Wrap(werr, "failed to write to upstream")
				}
				if seg.Split {
					log.Debug().Dur("sleep", f.cfg.SplitSleep).Msg("split point, sleeping")
					if f.cfg.SplitSleep > 0 {
						f.sleep(f.cfg.SplitSleep)
					}
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				log.Debug().Msg("empty read from downstream")
			}
			return rerr
		}
	}
}
