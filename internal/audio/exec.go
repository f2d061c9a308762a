package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecSource runs an external recorder that writes raw 16 kHz mono s16le PCM
// to stdout, for example `arecord -q -f S16_LE -r 16000 -c 1 -t raw`.
type ExecSource struct {
	args []string
	log  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewExecSource(command string, log *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &ExecSource{
		args: args,
		log:  log.With(slog.String("component", "exec-source")),
		done: make(chan struct{}),
	}, nil
}

func (s *ExecSource) Start(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("exec source already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start capture command: %w", err)
	}
	s.cancel = cancel
	s.log.Info("capture command started", slog.String("command", s.args[0]), slog.Int("pid", cmd.Process.Pid))

	go s.logStderr(stderr)
	go s.pump(ctx, cmd, stdout, h)
	return nil
}

func (s *ExecSource) pump(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, h Handler) {
	defer close(s.done)

	buf := make([]byte, BlockSize*BytesPerSample)
	for {
		n, err := io.ReadFull(stdout, buf)
		// An odd trailing byte cannot form a sample.
		if usable := n - n%BytesPerSample; usable > 0 {
			h.OnChunk(NewChunk(buf[:usable]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				h.OnCaptureStatus(fmt.Errorf("read capture command: %w", err))
			}
			break
		}
	}
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		h.OnCaptureStatus(fmt.Errorf("capture command exited: %w", err))
	}
}

func (s *ExecSource) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("capture command stderr", slog.String("line", scanner.Text()))
	}
}

// Done is closed when the command's output ends.
func (s *ExecSource) Done() <-chan struct{} { return s.done }

func (s *ExecSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-s.done
	return nil
}
