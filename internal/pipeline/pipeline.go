// Package pipeline connects a capture source to a recognizer: the capture
// callback feeds a bounded queue and a single consumption loop decodes,
// classifies speakers and emits events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-transcriber/internal/audio"
	"github.com/loqalabs/loqa-transcriber/internal/events"
	"github.com/loqalabs/loqa-transcriber/internal/recognizer"
	"github.com/loqalabs/loqa-transcriber/internal/speaker"
)

const (
	DefaultQueueSize    = 64
	DefaultPollInterval = 100 * time.Millisecond
	captureErrBuffer    = 8
)

var ErrNotRunning = errors.New("pipeline is not running")

type Options struct {
	Recognizer recognizer.Recognizer
	// Speaker is nil when speaker detection is disabled.
	Speaker      *speaker.Gate
	Sink         events.Sink
	QueueSize    int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Stats are cumulative counters since construction.
type Stats struct {
	Listening      bool  `json:"listening"`
	Captured       int64 `json:"chunks_captured"`
	Discarded      int64 `json:"chunks_discarded"`
	Dropped        int64 `json:"chunks_dropped"`
	Partials       int64 `json:"partials"`
	Finals         int64 `json:"finals"`
	SpeakerChanges int64 `json:"speaker_changes"`
	DecodeErrors   int64 `json:"decode_errors"`
	Queued         int   `json:"queued"`
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdDrain
)

type command struct {
	kind commandKind
	ack  chan struct{}
}

// Pipeline implements audio.Handler. All recognizer and speaker state is
// touched only from Run.
type Pipeline struct {
	rec         recognizer.Recognizer
	gate        *speaker.Gate
	sink        events.Sink
	queue       *audio.Queue
	listening   *audio.Gate
	poll        time.Duration
	log         *slog.Logger
	captureErrs chan error
	commands    chan command
	running     atomic.Bool
	done        chan struct{}

	captured, discarded, dropped         atomic.Int64
	partials, finals, changes, decodeErr atomic.Int64

	instruments instruments
}

type instruments struct {
	chunks    metric.Int64Counter
	results   metric.Int64Counter
	changes   metric.Int64Counter
	decodeDur metric.Float64Histogram
}

func New(opts Options) (*Pipeline, error) {
	if opts.Recognizer == nil {
		return nil, errors.New("pipeline requires a recognizer")
	}
	if opts.Sink == nil {
		return nil, errors.New("pipeline requires an event sink")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		rec:         opts.Recognizer,
		gate:        opts.Speaker,
		sink:        opts.Sink,
		queue:       audio.NewQueue(opts.QueueSize),
		listening:   audio.NewGate(true),
		poll:        opts.PollInterval,
		log:         log.With(slog.String("component", "pipeline")),
		captureErrs: make(chan error, captureErrBuffer),
		commands:    make(chan command),
		done:        make(chan struct{}),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p, nil
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-transcriber/pipeline")
	var err error
	if p.instruments.chunks, err = meter.Int64Counter("loqa.pipeline.chunks",
		metric.WithDescription("Audio chunks by outcome (captured, discarded, dropped)")); err != nil {
		return err
	}
	if p.instruments.results, err = meter.Int64Counter("loqa.pipeline.results",
		metric.WithDescription("Recognition results emitted by kind")); err != nil {
		return err
	}
	if p.instruments.changes, err = meter.Int64Counter("loqa.pipeline.speaker_changes",
		metric.WithDescription("Final results flagged as a speaker change")); err != nil {
		return err
	}
	if p.instruments.decodeDur, err = meter.Float64Histogram("loqa.pipeline.decode_duration",
		metric.WithDescription("Time spent feeding one chunk to the recognizer"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// OnChunk is the capture callback. It never blocks.
func (p *Pipeline) OnChunk(c audio.Chunk) {
	if !p.listening.Listening() {
		p.discarded.Add(1)
		p.countChunk("discarded", 1)
		return
	}
	p.captured.Add(1)
	p.countChunk("captured", 1)
	if n := p.queue.Push(c); n > 0 {
		p.dropped.Add(int64(n))
		p.countChunk("dropped", int64(n))
	}
}

// OnChunkWait is OnChunk for finite sources: rather than evicting older
// audio it waits for the loop to make room. It gives up when cancel closes
// or Run has returned.
func (p *Pipeline) OnChunkWait(c audio.Chunk, cancel <-chan struct{}) bool {
	if !p.listening.Listening() {
		p.discarded.Add(1)
		p.countChunk("discarded", 1)
		return true
	}
	if !p.queue.PushWait(c, cancel, p.done) {
		return false
	}
	p.captured.Add(1)
	p.countChunk("captured", 1)
	return true
}

// OnCaptureStatus hands a capture condition to the loop. Conditions arriving
// while the buffer is full are logged and dropped.
func (p *Pipeline) OnCaptureStatus(err error) {
	if err == nil {
		return
	}
	select {
	case p.captureErrs <- err:
	default:
		p.log.Debug("capture status dropped", slogError(err))
	}
}

func (p *Pipeline) Listening() bool { return p.listening.Listening() }

// Done is closed when Run returns.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Listening:      p.listening.Listening(),
		Captured:       p.captured.Load(),
		Discarded:      p.discarded.Load(),
		Dropped:        p.dropped.Load(),
		Partials:       p.partials.Load(),
		Finals:         p.finals.Load(),
		SpeakerChanges: p.changes.Load(),
		DecodeErrors:   p.decodeErr.Load(),
		Queued:         p.queue.Len(),
	}
}

// Start resumes processing. It waits until the loop has applied the change;
// before Run begins it blocks until ctx is done.
func (p *Pipeline) Start(ctx context.Context) error {
	return p.request(ctx, cmdStart)
}

// Stop flushes the current utterance and pauses processing. It waits until
// the loop has applied the change.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.request(ctx, cmdStop)
}

// Drain decodes everything already queued before returning. Sources that
// end on their own use it so the tail of the input is not lost.
func (p *Pipeline) Drain(ctx context.Context) error {
	return p.request(ctx, cmdDrain)
}

func (p *Pipeline) request(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, ack: make(chan struct{})}
	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the consumption loop. It returns when ctx is cancelled, after
// flushing the utterance in progress.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline already running")
	}
	defer close(p.done)

	p.emit(events.Status(events.PhaseListening, "Listening..."))
	for {
		select {
		case <-ctx.Done():
			p.pause()
			return nil
		case cmd := <-p.commands:
			p.apply(ctx, cmd.kind)
			close(cmd.ack)
			continue
		case err := <-p.captureErrs:
			p.emit(events.Errorf("Audio error: %v", err))
			continue
		default:
		}

		chunk, ok := p.queue.Pop(p.poll)
		if !ok {
			continue
		}
		p.process(ctx, chunk)
	}
}

func (p *Pipeline) apply(ctx context.Context, kind commandKind) {
	switch kind {
	case cmdStart:
		p.resume()
	case cmdStop:
		p.pause()
	case cmdDrain:
		for {
			chunk, ok := p.queue.Pop(0)
			if !ok {
				return
			}
			p.process(ctx, chunk)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, chunk audio.Chunk) {
	// A chunk pushed just before a pause belongs to the old session.
	if !p.listening.Listening() {
		p.discarded.Add(1)
		p.countChunk("discarded", 1)
		return
	}

	started := time.Now()
	final, err := p.rec.Feed(chunk)
	if p.instruments.decodeDur != nil {
		p.instruments.decodeDur.Record(ctx, time.Since(started).Seconds())
	}
	if err != nil {
		p.decodeErr.Add(1)
		p.log.Warn("decode failed", slogError(err))
		p.emit(events.Errorf("Recognition error: %v", err))
		p.rec.Reset()
		return
	}

	if final {
		res := p.rec.Final()
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return
		}
		changed := false
		if p.gate != nil && len(res.Embedding) > 0 {
			changed = p.gate.Classify(res.Embedding)
		}
		p.finals.Add(1)
		p.countResult(ctx, "final")
		if changed {
			p.changes.Add(1)
			if p.instruments.changes != nil {
				p.instruments.changes.Add(ctx, 1)
			}
		}
		p.emit(events.Final(text, changed))
		return
	}

	text := strings.TrimSpace(p.rec.Partial())
	if text == "" {
		return
	}
	p.partials.Add(1)
	p.countResult(ctx, "partial")
	p.emit(events.Partial(text))
}

func (p *Pipeline) resume() {
	if p.listening.Listening() {
		return
	}
	p.rec.Reset()
	if n := p.queue.Drain(); n > 0 {
		p.discarded.Add(int64(n))
		p.countChunk("discarded", int64(n))
	}
	p.listening.Set(true)
	p.emit(events.Status(events.PhaseListening, "Listening..."))
}

func (p *Pipeline) pause() {
	if !p.listening.Listening() {
		return
	}
	p.listening.Set(false)

	res, err := p.rec.Flush()
	if err != nil {
		p.log.Warn("flush failed", slogError(err))
		p.emit(events.Statusf(events.PhaseWarning, "Failed to flush final result: %v", err))
	} else if text := strings.TrimSpace(res.Text); text != "" {
		p.finals.Add(1)
		p.countResult(context.Background(), "final")
		p.emit(events.Final(text, false))
	}

	if n := p.queue.Drain(); n > 0 {
		p.discarded.Add(int64(n))
		p.countChunk("discarded", int64(n))
	}
	p.emit(events.Status(events.PhaseStopped, "Stopped listening"))
}

func (p *Pipeline) emit(evt events.Event) {
	if err := p.sink.Emit(evt); err != nil {
		p.log.Error("failed to emit event", slog.String("kind", string(evt.Kind)), slogError(err))
	}
}

func (p *Pipeline) countChunk(outcome string, n int64) {
	if p.instruments.chunks != nil {
		p.instruments.chunks.Add(context.Background(), n, metric.WithAttributes(outcomeAttr(outcome)))
	}
}

func (p *Pipeline) countResult(ctx context.Context, kind string) {
	if p.instruments.results != nil {
		p.instruments.results.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
	}
}

func outcomeAttr(v string) attribute.KeyValue { return attribute.String("outcome", v) }

func kindAttr(v string) attribute.KeyValue { return attribute.String("kind", v) }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func (s Stats) String() string {
	return fmt.Sprintf("listening=%t captured=%d discarded=%d dropped=%d partials=%d finals=%d",
		s.Listening, s.Captured, s.Discarded, s.Dropped, s.Partials, s.Finals)
}
