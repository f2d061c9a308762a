package transcriber

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-transcriber/internal/events"
	"github.com/loqalabs/loqa-transcriber/internal/models"
)

// acquireModel makes the recognition model available and returns its path.
// On failure exactly one error event has been emitted, unless ctx was
// cancelled.
func (c *Controller) acquireModel(ctx context.Context, model models.ModelConfig, size string, mode models.Mode) (string, error) {
	if c.store.IsReady(model) {
		return c.store.Path(model), nil
	}

	local := mode == models.ModeLocal
	if local {
		c.emit(events.Statusf(events.PhaseLoading, "Looking for local %s model...", size))
	} else {
		c.emit(events.Statusf(events.PhaseDownloading, "Downloading Vosk %s model (%s)...", size, model.ApproximateSize))
	}

	extracting := "Extracting model..."
	if local {
		extracting = fmt.Sprintf("Extracting local %s model...", size)
	}
	progress := c.progressReporter(extracting)

	_, err := c.store.EnsureReady(ctx, model, mode, progress.report)
	if err == nil {
		switch {
		case !progress.worked():
		case local:
			c.emit(events.Statusf(events.PhaseReady, "Local %s model ready!", size))
		default:
			c.emit(events.Status(events.PhaseReady, "Model ready!"))
		}
		return c.store.Path(model), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	switch {
	case errors.Is(err, models.ErrArchiveNotFound):
		c.emit(events.Errorf("Local model zip not found at %s. Please ensure the model zip files are present.", c.cfg.Models.LocalDir))
	case progress.last == models.PhaseUnpacking:
		c.emit(events.Errorf("Extraction failed: %v", err))
	default:
		c.emit(events.Errorf("Download failed: %v", err))
	}
	return "", fmt.Errorf("%w: acquire %s: %v", ErrFatal, model.ID, err)
}

// acquireSpeaker returns the speaker model path, or "" when it is not
// available. Failures are warnings.
func (c *Controller) acquireSpeaker(ctx context.Context, mode models.Mode) string {
	spk := models.SpeakerModel
	if c.store.IsReady(spk) {
		return c.store.Path(spk)
	}

	if mode == models.ModeNetwork {
		c.emit(events.Statusf(events.PhaseDownloading, "Downloading speaker model (%s)...", spk.ApproximateSize))
	}
	progress := c.progressReporter("Extracting local speaker model...")
	progress.extractingPhase = events.PhaseLoading

	_, err := c.store.EnsureReady(ctx, spk, mode, progress.report)
	switch {
	case err == nil:
		return c.store.Path(spk)
	case ctx.Err() != nil:
	case errors.Is(err, models.ErrArchiveNotFound):
		c.log.Info("speaker model archive not present, speaker detection disabled")
	case progress.last == models.PhaseUnpacking:
		c.emit(events.Statusf(events.PhaseWarning, "Failed to extract speaker model: %v", err))
	default:
		c.emit(events.Statusf(events.PhaseWarning, "Speaker model unavailable: %v", err))
	}
	return ""
}

// progress turns acquisition states into download/extract status events.
type progress struct {
	c               *Controller
	extracting      string
	extractingPhase events.Phase
	last            models.Phase
}

func (c *Controller) progressReporter(extracting string) *progress {
	return &progress{c: c, extracting: extracting, extractingPhase: events.PhaseExtracting}
}

// worked reports whether anything was fetched or unpacked.
func (p *progress) worked() bool {
	return p.last == models.PhaseFetching || p.last == models.PhaseUnpacking
}

func (p *progress) report(st models.State) {
	switch st.Phase {
	case models.PhaseFetching:
		if st.Progress >= 0 {
			p.c.emit(events.Statusf(events.PhaseDownloading, "Downloading: %.1f%%", st.Progress))
		} else {
			p.c.emit(events.Statusf(events.PhaseDownloading, "Downloading: %s", humanize.Bytes(uint64(st.Bytes))))
		}
	case models.PhaseUnpacking:
		if p.last != models.PhaseUnpacking {
			p.c.emit(events.Status(p.extractingPhase, p.extracting))
		}
		p.c.emit(events.Statusf(events.PhaseExtracting, "Extracting: %.1f%%", st.Progress))
	}
	if st.Phase == models.PhaseFetching || st.Phase == models.PhaseUnpacking {
		p.last = st.Phase
	}
}
