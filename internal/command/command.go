// Package command forwards each accepted connection to the stdin/stdout of
// a freshly spawned process. Useful for chaining minidialer in front of
// arbitrary tooling that talks a byte protocol on its standard streams.
package command

import (
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"minidialer/internal/transport"
)

// Runner spawns one process per connection.
type Runner struct {
	argv []string
}

func NewRunner(argv []string) (*Runner, error) {
	if len(argv) == 0 {
		return nil, errors.New("command must not be empty")
	}
	return &Runner{argv: argv}, nil
}

// HandleConn pipes the connection through a new child process. The child is
// killed when either the connection or its stdout closes.
func (r *Runner) HandleConn(conn net.Conn) error {
	log.Debug().Strs("argv", r.argv).Msg("spawning command")
	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to spawn command")
	}

	joinErr := transport.Join(conn, &processPipe{stdin: stdin, stdout: stdout})

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	log.Debug().Msg("stopping command")
	return joinErr
}

// processPipe joins a child's stdout (reads) and stdin (writes) into one
// endpoint.
type processPipe struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *processPipe) Close() error {
	_ = p.stdin.Close()
	return p.stdout.Close()
}
