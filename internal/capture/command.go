package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// CommandSource records by running an external recorder that writes raw
// PCM in the configured format to stdout, e.g.
// `arecord -q -f S16_LE -r 16000 -c 1 -t raw`.
type CommandSource struct {
	cmd    []string
	format Format
	log    *slog.Logger
}

func NewCommandSource(command string, format Format, log *slog.Logger) (*CommandSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &CommandSource{
		cmd:    args,
		format: format,
		log:    log.With(slog.String("component", "capture-command")),
	}, nil
}

func (s *CommandSource) Open(ctx context.Context) (Stream, error) {
	procCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(procCtx, s.cmd[0], s.cmd[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	s.log.Debug("capture command started", slog.String("command", s.cmd[0]), slog.Int("pid", command.Process.Pid))
	return &commandStream{
		format: s.format,
		cmd:    command,
		cancel: cancel,
		stdout: stdout,
		stderr: &stderr,
		chunk:  defaultChunkFrames * s.format.frameBytes(),
		log:    s.log,
	}, nil
}

type commandStream struct {
	format Format
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.Reader
	stderr *bytes.Buffer
	chunk  int
	eof    bool
	once   sync.Once
	log    *slog.Logger
}

func (c *commandStream) Format() Format { return c.format }

func (c *commandStream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.eof {
		return nil, io.EOF
	}
	buf := make([]byte, c.chunk)
	n, err := io.ReadFull(c.stdout, buf)
	n -= n % c.format.frameBytes()
	switch {
	case err == nil:
		return buf[:n], nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.finish()
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		c.finish()
		return nil, io.EOF
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read capture command: %w", err)
	}
}

// finish reaps the recorder once its stdout is drained so that everything it
// wrote to stderr is in the buffer before it is logged.
func (c *commandStream) finish() {
	c.eof = true
	_ = c.Close()
	if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
		c.log.Warn("capture command ended", slog.String("stderr", msg))
	}
}

// Close stops the recorder; it is expected to die from the cancellation.
func (c *commandStream) Close() error {
	c.once.Do(func() {
		c.cancel()
		_ = c.cmd.Wait()
	})
	return nil
}
