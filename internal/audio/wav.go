package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16 kHz mono 16-bit WAV file as if it were captured
// live. With realtime set, blocks are paced at the rate a device would
// deliver them. Otherwise blocks are delivered as fast as a Backpressure
// handler accepts them, so no audio is dropped.
type WAVSource struct {
	path     string
	realtime bool

	mu     sync.Mutex
	file   *os.File
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func NewWAVSource(path string, realtime bool) *WAVSource {
	return &WAVSource{path: path, realtime: realtime, done: make(chan struct{})}
}

func (s *WAVSource) Start(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return errors.New("wav source already started")
	}

	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return fmt.Errorf("%s is not a valid wav file", s.path)
	}
	if dec.SampleRate != SampleRate || dec.NumChans != Channels || dec.BitDepth != 16 {
		file.Close()
		return fmt.Errorf("wav must be %d Hz mono 16-bit, got %d Hz %d ch %d-bit",
			SampleRate, dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	s.file = file
	s.stop = make(chan struct{})
	go s.replay(dec, h)
	return nil
}

func (s *WAVSource) replay(dec *wav.Decoder, h Handler) {
	defer close(s.done)

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           make([]int, BlockSize),
		SourceBitDepth: 16,
	}
	blockDuration := time.Second * BlockSize / SampleRate
	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(blockDuration)
		defer ticker.Stop()
	}

	deliver := func(c Chunk) bool {
		h.OnChunk(c)
		return true
	}
	if bp, ok := h.(Backpressure); ok && !s.realtime {
		deliver = func(c Chunk) bool { return bp.OnChunkWait(c, s.stop) }
	}

	samples := make([]int16, BlockSize)
	for {
		n, err := dec.PCMBuffer(buf)
		if n > 0 {
			for i := 0; i < n; i++ {
				samples[i] = int16(buf.Data[i])
			}
			if !deliver(ChunkFromInt16(samples[:n])) {
				return
			}
		}
		if err != nil {
			h.OnCaptureStatus(fmt.Errorf("read wav: %w", err))
			return
		}
		if n == 0 {
			return
		}
		if ticker != nil {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}
	}
}

// Done is closed once the whole file has been delivered or the source is closed.
func (s *WAVSource) Done() <-chan struct{} { return s.done }

func (s *WAVSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.file == nil {
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	file := s.file
	s.mu.Unlock()

	<-s.done
	return file.Close()
}
