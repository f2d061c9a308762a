package transcriber

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-transcriber/internal/protocol"
)

const controlTimeout = 5 * time.Second

// readCommands applies one command per line until r is exhausted. EOF is not
// a shutdown signal; hosts that never write simply close or ignore stdin.
func (c *Controller) readCommands(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd, err := protocol.ParseCommand(scanner.Bytes())
		if errors.Is(err, protocol.ErrEmptyCommand) {
			continue
		}
		if err != nil {
			c.log.Warn("ignoring control input", slogError(err))
			continue
		}
		if err := c.apply(ctx, cmd); err != nil {
			c.log.Warn("control command failed", slog.String("command", string(cmd)), slogError(err))
		}
		if cmd == protocol.CommandQuit {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("control input closed", slogError(err))
		return
	}
	c.log.Debug("control input reached EOF")
}

// serveControl answers commands on the control subject.
func (c *Controller) serveControl(ctx context.Context) (func(), error) {
	subject := c.subjects.Control()
	sub, err := c.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
		reply := protocol.ControlReply{OK: true}
		cmd, err := protocol.ParseCommand(msg.Data)
		if err == nil {
			err = c.apply(ctx, cmd)
		}
		if err != nil {
			reply.OK = false
			reply.Error = err.Error()
		}
		reply.Listening = c.listening()
		if msg.Reply == "" {
			return
		}
		if err := c.bus.PublishJSON(msg.Reply, reply); err != nil {
			c.log.Warn("failed to answer control request", slogError(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.log.Info("serving control subject", slog.String("subject", subject))
	return func() { _ = sub.Unsubscribe() }, nil
}

func (c *Controller) apply(ctx context.Context, cmd protocol.Command) error {
	if cmd == protocol.CommandQuit {
		c.Quit()
		return nil
	}

	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()
	if p == nil {
		return errors.New("transcriber is not listening yet")
	}

	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	switch cmd {
	case protocol.CommandStart:
		return p.Start(ctx)
	case protocol.CommandStop:
		return p.Stop(ctx)
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

func (c *Controller) listening() bool {
	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()
	return p != nil && p.Listening()
}
