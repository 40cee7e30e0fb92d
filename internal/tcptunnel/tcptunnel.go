// Package tcptunnel forwards accepted TCP connections through a fresh TLS
// session per connection, so the observable handshake toward the upstream is
// an ordinary client hello from this host rather than whatever the proxied
// application would have produced.
package tcptunnel

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"minidialer/internal/transport"
)

type Config struct {
	// Upstream is host or host:port; the port defaults to 443, or 80 when
	// NoTLS is set.
	Upstream string
	// NoTLS downgrades the tunnel to a plain TCP port forward. Useless
	// against fingerprinting, handy for internal testing.
	NoTLS bool
}

type Tunnel struct {
	addr       string
	serverName string
	noTLS      bool
}

func NewTunnel(cfg Config) (*Tunnel, error) {
	host, port, err := net.SplitHostPort(cfg.Upstream)
	if err != nil {
		host = cfg.Upstream
		if cfg.NoTLS {
			port = "80"
		} else {
			port = "443"
		}
	}
	if host == "" {
		return nil, errors.New("upstream host must not be empty")
	}
	if cfg.NoTLS {
		log.Warn().Msg("--no-tls is passed, never deploy this into the wild!")
	}
	return &Tunnel{
		addr:       net.JoinHostPort(host, port),
		serverName: host,
		noTLS:      cfg.NoTLS,
	}, nil
}

func (t *Tunnel) HandleConn(downstream net.Conn) error {
	var upstream net.Conn
	var err error
	if t.noTLS {
		upstream, err = net.Dial("tcp", t.addr)
	} else {
		upstream, err = tls.Dial("tcp", t.addr, &tls.Config{ServerName: t.serverName})
	}
	if err != nil {
		return errors.Wrap(err, "failed to connect to upstream")
	}
	return transport.Join(downstream, upstream)
}
