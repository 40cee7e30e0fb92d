package splithttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"minidialer/internal/transport"
)

// DefaultUploadChunkSize is how many downstream bytes at most travel in one
// upload request.
const DefaultUploadChunkSize = 122880

// ClientConfig describes where the two directions of a session are sent.
// DownloadUpstream exists so the long-lived GET can take a different route
// (say, a CDN that tolerates streaming responses) than the POSTs.
type ClientConfig struct {
	Upstream         string
	DownloadUpstream string
	Header           http.Header
	DownloadHeader   http.Header
	UploadChunkSize  int
}

// Client turns each accepted TCP connection into a fresh Split-HTTP session:
// one streaming GET for the download direction, sequentially numbered POSTs
// for the upload direction.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.DownloadUpstream == "" {
		cfg.DownloadUpstream = cfg.Upstream
	}
	if cfg.DownloadHeader == nil {
		cfg.DownloadHeader = cfg.Header
	}
	if cfg.UploadChunkSize <= 0 {
		cfg.UploadChunkSize = DefaultUploadChunkSize
	}
	// No client timeout: the download response is expected to stay open for
	// the whole life of the proxied connection.
	return &Client{cfg: cfg, http: &http.Client{}}
}

// HandleConn runs one downstream connection through a new session until
// either direction ends.
func (c *Client) HandleConn(downstream net.Conn) error {
	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	downURL := fmt.Sprintf("%s/%s?x_padding=0", c.cfg.DownloadUpstream, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build download request")
	}
	copyHeader(req.Header, c.cfg.DownloadHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to open download stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("download stream rejected: %s", resp.Status)
	}
	log.Debug().Str("session", sessionID).Msg("session established")

	errc := make(chan error, 2)

	go func() {
		errc <- errors.Wrap(c.download(downstream, resp.Body), "download direction")
	}()
	go func() {
		errc <- errors.Wrap(c.upload(ctx, sessionID, downstream), "upload direction")
	}()

	// Cancelling the request context unblocks a pending body read with
	// context.Canceled; the body itself is closed by the deferred Close once
	// both directions have returned.
	err1 := <-errc
	cancel()
	_ = downstream.Close()
	err2 := <-errc

	for _, e := range []error{err1, err2} {
		if e != nil && !isExpectedClose(e) {
			return e
		}
	}
	return nil
}

// download copies response body chunks to the downstream socket in order.
func (c *Client) download(downstream net.Conn, body io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := downstream.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "failed to write to downstream")
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				log.Debug().Msg("download stream ended")
				return io.EOF
			}
			return rerr
		}
	}
}

// upload reads downstream chunks and posts each under the next sequence
// number. Requests are strictly sequential; the server heap exists because
// intermediaries may still deliver them out of order.
func (c *Client) upload(ctx context.Context, sessionID string, downstream net.Conn) error {
	buf := make([]byte, c.cfg.UploadChunkSize)
	var seq uint64
	for {
		n, rerr := downstream.Read(buf)
		if n > 0 {
			url := fmt.Sprintf("%s/%s/%d", c.cfg.Upstream, sessionID, seq)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf[:n]))
			if err != nil {
				return errors.Wrap(err, "failed to build upload request")
			}
			copyHeader(req.Header, c.cfg.Header)
			resp, err := c.http.Do(req)
			if err != nil {
				return errors.Wrap(err, "failed to write to upstream")
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode/100 != 2 {
				return errors.Errorf("upload rejected: %s", resp.Status)
			}
			seq++
		}
		if rerr != nil {
			if rerr == io.EOF {
				log.Debug().Msg("empty read from downstream")
			}
			return rerr
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isExpectedClose(err error) bool {
	return transport.IsExpectedClose(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, http.ErrBodyReadAfterClose)
}
