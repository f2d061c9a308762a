package models

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects where model archives come from.
type Mode string

const (
	ModeNetwork Mode = "network"
	ModeLocal   Mode = "local"
)

var ErrArchiveNotFound = errors.New("local archive not found")

// fetchReportStep bounds progress reports when the download size is unknown.
const fetchReportStep = 1 << 20

// Options configure a Store.
type Options struct {
	// Root holds one directory per acquired model.
	Root string
	// LocalDir is searched for <id>.zip in ModeLocal.
	LocalDir string
	// MirrorURL, when set, replaces the host part of every SourceURL:
	// archives are fetched from MirrorURL/<id>.zip.
	MirrorURL string
	Client    *http.Client
	Logger    *slog.Logger
}

// Store brings models onto local storage. Presence of <Root>/<id> is the
// only readiness check; contents are not validated.
type Store struct {
	root      string
	localDir  string
	mirrorURL string
	client    *http.Client
	log       *slog.Logger
	states    *tracker
	tracer    trace.Tracer
	fetched   metric.Int64Counter
	extracted metric.Int64Counter
	mu        sync.Mutex
}

func NewStore(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("model root directory must not be empty")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create model root: %w", err)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Store{
		root:      opts.Root,
		localDir:  opts.LocalDir,
		mirrorURL: strings.TrimRight(opts.MirrorURL, "/"),
		client:    client,
		log:       log.With(slog.String("component", "model-store")),
		states:    newTracker(),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-transcriber/models"),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

func (s *Store) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-transcriber/models")
	fetched, err := meter.Int64Counter("loqa.models.fetched_bytes",
		metric.WithDescription("Bytes of model archives downloaded"), metric.WithUnit("By"))
	if err != nil {
		return err
	}
	extracted, err := meter.Int64Counter("loqa.models.extracted_bytes",
		metric.WithDescription("Bytes of model files unpacked"), metric.WithUnit("By"))
	if err != nil {
		return err
	}
	s.fetched = fetched
	s.extracted = extracted
	return nil
}

func (s *Store) Root() string { return s.root }

// Path is the directory the model lives in once ready.
func (s *Store) Path(cfg ModelConfig) string {
	return filepath.Join(s.root, cfg.ID)
}

// IsReady reports whether the model directory exists.
func (s *Store) IsReady(cfg ModelConfig) bool {
	info, err := os.Stat(s.Path(cfg))
	return err == nil && info.IsDir()
}

// State returns the tracked acquisition state of a model id.
func (s *Store) State(id string) State {
	return s.states.get(id)
}

// EnsureReady makes cfg available under Root. A model already Ready in
// this store returns immediately without touching disk or network. On
// failure no model directory is left behind and the returned state is
// PhaseFailed.
func (s *Store) EnsureReady(ctx context.Context, cfg ModelConfig, mode Mode, report Reporter) (State, error) {
	if report == nil {
		report = func(State) {}
	}
	if st := s.states.get(cfg.ID); st.Phase == PhaseReady {
		return st, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "models.EnsureReady", trace.WithAttributes(
		attribute.String("model.id", cfg.ID),
		attribute.String("model.mode", string(mode)),
	))
	defer span.End()

	s.states.forget(cfg.ID)

	err := os.MkdirAll(s.root, 0o755)
	if err == nil && s.IsReady(cfg) {
		span.SetAttributes(attribute.Bool("model.cached", true))
		return s.advance(State{ModelID: cfg.ID, Phase: PhaseReady, Progress: 100}, report)
	}
	if err == nil {
		switch mode {
		case ModeLocal:
			err = s.acquireLocal(ctx, cfg, report)
		case ModeNetwork:
			err = s.acquireNetwork(ctx, cfg, report)
		default:
			err = fmt.Errorf("unknown acquisition mode %q", mode)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("model acquisition failed", slog.String("model", cfg.ID), slogError(err))
		st, _ := s.states.advance(State{ModelID: cfg.ID, Phase: PhaseFailed, Reason: err.Error()})
		report(st)
		return st, err
	}
	s.log.Info("model ready", slog.String("model", cfg.ID), slog.String("path", s.Path(cfg)))
	return s.advance(State{ModelID: cfg.ID, Phase: PhaseReady, Progress: 100}, report)
}

func (s *Store) advance(next State, report Reporter) (State, error) {
	st, err := s.states.advance(next)
	if err != nil {
		return st, err
	}
	report(st)
	return st, nil
}

func (s *Store) acquireLocal(ctx context.Context, cfg ModelConfig, report Reporter) error {
	if s.localDir == "" {
		return fmt.Errorf("%w: no local directory configured", ErrArchiveNotFound)
	}
	archive := filepath.Join(s.localDir, cfg.ID+".zip")
	if _, err := os.Stat(archive); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, archive)
		}
		return fmt.Errorf("stat local archive: %w", err)
	}
	return s.unpack(ctx, cfg, archive, report)
}

func (s *Store) sourceURL(cfg ModelConfig) string {
	if s.mirrorURL != "" {
		return s.mirrorURL + "/" + cfg.ID + ".zip"
	}
	return cfg.SourceURL
}

func (s *Store) acquireNetwork(ctx context.Context, cfg ModelConfig, report Reporter) error {
	url := s.sourceURL(cfg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(s.root, "."+cfg.ID+"-*.zip.part")
	if err != nil {
		return fmt.Errorf("create temporary archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	total := resp.ContentLength
	if err := s.fetch(ctx, cfg.ID, resp.Body, tmp, total, report); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary archive: %w", err)
	}
	return s.unpack(ctx, cfg, tmpPath, report)
}

func (s *Store) fetch(ctx context.Context, id string, body io.Reader, dst io.Writer, total int64, report Reporter) error {
	var downloaded int64
	lastReported := int64(-1)
	lastPercent := -1.0
	emit := func() error {
		p := percent(downloaded, total)
		if p >= 0 {
			if p == lastPercent {
				return nil
			}
			lastPercent = p
		} else {
			if lastReported >= 0 && downloaded-lastReported < fetchReportStep {
				return nil
			}
			lastReported = downloaded
		}
		_, err := s.advance(State{ModelID: id, Phase: PhaseFetching, Progress: p, Bytes: downloaded}, report)
		return err
	}
	if err := emit(); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write temporary archive: %w", werr)
			}
			downloaded += int64(n)
			s.addFetched(ctx, int64(n))
			if perr := emit(); perr != nil {
				return perr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("download interrupted after %d bytes: %w", downloaded, err)
		}
	}
	if total > 0 && downloaded != total {
		return fmt.Errorf("download incomplete: got %d of %d bytes", downloaded, total)
	}
	return nil
}

// unpack extracts archive into a staging directory under the root and
// renames it into place only once every entry has been written.
func (s *Store) unpack(ctx context.Context, cfg ModelConfig, archive string, report Reporter) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var total int64
	for _, f := range zr.File {
		total += int64(f.UncompressedSize64)
	}

	staging, err := os.MkdirTemp(s.root, "."+cfg.ID+"-staging-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	var extracted int64
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractEntry(staging, f); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		extracted += int64(f.UncompressedSize64)
		s.addExtracted(ctx, int64(f.UncompressedSize64))
		if p := percent(extracted, total); p >= 0 {
			if _, err := s.advance(State{ModelID: cfg.ID, Phase: PhaseUnpacking, Progress: p, Bytes: extracted}, report); err != nil {
				return err
			}
		}
	}

	src := staging
	if info, err := os.Stat(filepath.Join(staging, cfg.ID)); err == nil && info.IsDir() {
		src = filepath.Join(staging, cfg.ID)
	}
	if err := os.Rename(src, s.Path(cfg)); err != nil {
		if s.IsReady(cfg) {
			// Another process finished the same model first.
			return nil
		}
		return fmt.Errorf("install model directory: %w", err)
	}
	return nil
}

func extractEntry(dir string, f *zip.File) error {
	target := filepath.Join(dir, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal path in archive: %q", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		out.Close()
		return err
	}
	_, err = io.Copy(out, rc)
	rc.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) addFetched(ctx context.Context, n int64) {
	if s.fetched != nil {
		s.fetched.Add(ctx, n)
	}
}

func (s *Store) addExtracted(ctx context.Context, n int64) {
	if s.extracted != nil {
		s.extracted.Add(ctx, n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
