// Package transport opens the raw server-sent event byte stream.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Source opens a fresh event stream. Each call returns an independent stream so
// callers can reconnect after the previous one ends. Open returns only once the
// server is delivering events to the stream, and cancelling ctx ends any read.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// EventOpener is implemented by *opencode.Client.
type EventOpener interface {
	OpenEvents(ctx context.Context) (io.ReadCloser, error)
}

// HTTPSource streams the opencode /event endpoint over HTTP.
type HTTPSource struct {
	Client EventOpener
}

// Open starts a new HTTP event stream.
func (s HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Client == nil {
		return nil, errors.New("http source: client is required")
	}
	return s.Client.OpenEvents(ctx)
}

// CommandSource streams the standard output of a subprocess, such as `curl -sN <url>`.
type CommandSource struct {
	// Name is the executable.
	Name string
	// Args are passed to the executable.
	Args []string
}

// Curl returns a CommandSource that follows url with curl in no-buffer mode.
func Curl(url string) CommandSource {
	return CommandSource{Name: "curl", Args: []string{"-sN", "-H", "Accept: text/event-stream", url}}
}

// Open starts the subprocess and blocks until it has written its first byte.
// The opencode server greets every subscriber with server.connected, so the
// first byte means the subscription is live. Closing the stream kills and
// reaps the subprocess.
func (s CommandSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Name == "" {
		return nil, errors.New("command source: name is required")
	}
	cmd := exec.CommandContext(ctx, s.Name, s.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("command source stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Name, err)
	}
	stream := &commandStream{cmd: cmd, stdout: stdout, reader: bufio.NewReader(stdout)}

	peeked := make(chan error, 1)
	go func() {
		_, err := stream.reader.Peek(1)
		peeked <- err
	}()
	select {
	case err := <-peeked:
		if err != nil {
			_ = stream.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				// CommandContext killed the process.
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%s exited before producing output: %w", s.Name, err)
		}
		return stream, nil
	case <-ctx.Done():
		// Close unblocks the pending Peek; wait for it before returning.
		_ = stream.Close()
		<-peeked
		return nil, ctx.Err()
	}
}

// commandStream ties a subprocess lifetime to its stdout reader.
type commandStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	// reader holds the byte peeked by Open.
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

func (c *commandStream) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Close kills the subprocess, closes stdout so pending reads return, and only
// then reaps the process, since Wait also closes the pipe.
func (c *commandStream) Close() error {
	c.closeOnce.Do(func() {
		if c.cmd.Process != nil {
			// The process may already have exited; Wait reports the real outcome.
			_ = c.cmd.Process.Kill()
		}
		_ = c.stdout.Close()
		err := c.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
