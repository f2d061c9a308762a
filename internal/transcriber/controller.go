// Package transcriber sequences startup (model acquisition, recognizer
// construction), runs the audio pipeline and serves control commands until
// shutdown.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/audio"
	"github.com/loqalabs/loqa-transcriber/internal/bus"
	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/loqalabs/loqa-transcriber/internal/events"
	"github.com/loqalabs/loqa-transcriber/internal/eventstore"
	"github.com/loqalabs/loqa-transcriber/internal/models"
	"github.com/loqalabs/loqa-transcriber/internal/pipeline"
	"github.com/loqalabs/loqa-transcriber/internal/protocol"
	"github.com/loqalabs/loqa-transcriber/internal/recognizer"
	"github.com/loqalabs/loqa-transcriber/internal/speaker"
)

// ErrFatal marks failures that were already reported to the host as an
// error event and should end the process with a non-zero status.
var ErrFatal = errors.New("transcriber failed")

// shutdownTimeout bounds how long shutdown waits for the loop and for a
// final drain.
var shutdownTimeout = 5 * time.Second

type Options struct {
	Config  config.Config
	Sink    events.Sink
	Store   *models.Store
	Factory recognizer.Factory
	Source  audio.Source
	Logger  *slog.Logger
	// Stdin carries line commands; nil disables the reader.
	Stdin io.Reader
	// Bus mirrors events and serves the control subject when set.
	Bus *bus.Client
	// Journal records sessions and final segments when set.
	Journal *eventstore.Store
	// OnReady is called once the pipeline is running.
	OnReady func()
}

type Controller struct {
	cfg     config.Config
	sink    *events.Multi
	store   *models.Store
	factory recognizer.Factory
	source  audio.Source
	log     *slog.Logger
	stdin   io.Reader
	bus     *bus.Client
	records *eventstore.Store
	onReady func()

	quit     chan struct{}
	quitOnce sync.Once

	mu       sync.Mutex
	phase    events.Phase
	model    models.ModelConfig
	speaker  bool
	pipe     *pipeline.Pipeline
	journal  *eventstore.Journal
	subjects protocol.Subjects
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.Sink == nil:
		return nil, errors.New("controller requires an event sink")
	case opts.Store == nil:
		return nil, errors.New("controller requires a model store")
	case opts.Factory == nil:
		return nil, errors.New("controller requires a recognizer factory")
	case opts.Source == nil:
		return nil, errors.New("controller requires an audio source")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "transcriber"))

	c := &Controller{
		cfg:      opts.Config,
		store:    opts.Store,
		factory:  opts.Factory,
		source:   opts.Source,
		log:      log,
		stdin:    opts.Stdin,
		bus:      opts.Bus,
		records:  opts.Journal,
		onReady:  opts.OnReady,
		quit:     make(chan struct{}),
		subjects: protocol.Subjects{Prefix: opts.Config.Bus.SubjectPrefix},
	}
	c.sink = events.NewMulti(opts.Sink, log, phaseMirror{c})
	if c.bus != nil {
		c.sink.AddMirror(bus.NewEventMirror(c.bus, c.subjects))
	}
	return c, nil
}

// Quit asks Run to shut down. Safe to call more than once.
func (c *Controller) Quit() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Run performs startup and blocks until ctx is cancelled, a quit command
// arrives or a finite source is exhausted. Errors wrapping ErrFatal have
// already been reported to the host.
func (c *Controller) Run(ctx context.Context) error {
	size := c.cfg.Models.Size
	model, err := models.Resolve(size)
	if err != nil {
		c.emit(events.Errorf("Invalid model size: %s. Use 'small', 'medium', or 'large'.", size))
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	mode := models.Mode(c.cfg.Models.Mode)

	modelPath, err := c.acquireModel(ctx, model, size, mode)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	var speakerPath string
	if c.cfg.Models.Speaker {
		speakerPath = c.acquireSpeaker(ctx, mode)
		if ctx.Err() != nil {
			return nil
		}
	}

	c.emit(events.Statusf(events.PhaseLoading, "Loading Vosk %s model...", size))
	rec, err := c.factory(modelPath)
	if err != nil {
		c.emit(events.Errorf("Failed to load model: %v", err))
		return fmt.Errorf("%w: load recognizer: %v", ErrFatal, err)
	}
	defer func() {
		// The loop may still be inside Feed after a timed-out shutdown.
		if c.pipelineActive() {
			c.log.Warn("pipeline still decoding, leaving recognizer open")
			return
		}
		rec.Close()
	}()

	var gate *speaker.Gate
	if speakerPath != "" && c.enableSpeaker(rec, speakerPath) {
		gate = speaker.NewGate(c.cfg.Speaker.Threshold)
	}

	ready := fmt.Sprintf("Vosk ready! (using %s model", size)
	if gate != nil {
		ready += ", speaker detection enabled"
	}
	c.emit(events.Status(events.PhaseReady, ready+")"))

	if c.records != nil {
		journal := eventstore.NewJournal(c.records, model.ID, c.log)
		c.sink.AddMirror(journal)
		c.mu.Lock()
		c.journal = journal
		c.mu.Unlock()
	}

	return c.listen(ctx, rec, gate)
}

func (c *Controller) enableSpeaker(rec recognizer.Recognizer, path string) bool {
	sc, ok := rec.(recognizer.SpeakerCapable)
	if !ok {
		c.log.Info("recognizer does not support speaker detection")
		return false
	}
	c.emit(events.Status(events.PhaseLoading, "Loading speaker detection model..."))
	if err := sc.EnableSpeaker(path); err != nil {
		c.emit(events.Statusf(events.PhaseWarning, "Failed to load speaker model: %v", err))
		return false
	}
	c.mu.Lock()
	c.speaker = true
	c.mu.Unlock()
	c.emit(events.Status(events.PhaseReady, "Speaker detection enabled"))
	return true
}

func (c *Controller) listen(ctx context.Context, rec recognizer.Recognizer, gate *speaker.Gate) error {
	p, err := pipeline.New(pipeline.Options{
		Recognizer:   rec,
		Speaker:      gate,
		Sink:         c.sink,
		QueueSize:    c.cfg.Audio.QueueSize,
		PollInterval: time.Duration(c.cfg.Audio.PollIntervalMS) * time.Millisecond,
		Logger:       c.log,
	})
	if err != nil {
		c.emit(events.Error(err.Error()))
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	// The source starts first so a capture failure is reported before any
	// listening status.
	if err := c.source.Start(p); err != nil {
		c.emit(events.Errorf("Audio error: %v", err))
		return fmt.Errorf("%w: start audio source: %v", ErrFatal, err)
	}
	defer func() {
		if err := c.source.Close(); err != nil {
			c.log.Warn("audio source close failed", slogError(err))
		}
	}()

	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	go func() {
		if err := p.Run(runCtx); err != nil {
			c.log.Error("pipeline stopped", slogError(err))
		}
	}()
	c.mu.Lock()
	c.pipe = p
	c.mu.Unlock()

	if c.stdin != nil {
		go c.readCommands(ctx, c.stdin)
	}
	if c.bus != nil {
		unsubscribe, err := c.serveControl(ctx)
		if err != nil {
			c.log.Warn("control subject unavailable", slogError(err))
		} else {
			defer unsubscribe()
		}
	}
	if c.onReady != nil {
		c.onReady()
	}

	var sourceDone <-chan struct{}
	if d, ok := c.source.(interface{ Done() <-chan struct{} }); ok {
		sourceDone = d.Done()
	}

	select {
	case <-ctx.Done():
		c.log.Info("shutdown requested")
	case <-c.quit:
		c.log.Info("quit command received")
	case <-sourceDone:
		c.log.Info("audio source finished")
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := p.Drain(drainCtx); err != nil {
			c.log.Warn("drain failed", slogError(err))
		}
		cancel()
	case <-p.Done():
		c.log.Warn("pipeline exited unexpectedly")
	}

	stopRun()
	select {
	case <-p.Done():
	case <-time.After(shutdownTimeout):
		c.log.Warn("pipeline did not stop in time")
	}
	c.log.Info("transcriber stopped", slog.String("stats", p.Stats().String()))
	return nil
}

// pipelineActive reports whether the consumption loop was started and has
// not returned yet.
func (c *Controller) pipelineActive() bool {
	c.mu.Lock()
	p := c.pipe
	c.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

func (c *Controller) emit(evt events.Event) {
	if err := c.sink.Emit(evt); err != nil {
		c.log.Error("failed to emit event", slog.String("kind", string(evt.Kind)), slogError(err))
	}
}

// phaseMirror remembers the last status phase for the status endpoint.
type phaseMirror struct{ c *Controller }

func (m phaseMirror) Emit(evt events.Event) error {
	if evt.Kind != events.KindStatus && evt.Kind != events.KindError {
		return nil
	}
	phase := evt.Phase
	if evt.Kind == events.KindError {
		phase = events.PhaseError
	}
	if phase == events.PhaseWarning {
		return nil
	}
	m.c.mu.Lock()
	m.c.phase = phase
	m.c.mu.Unlock()
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
