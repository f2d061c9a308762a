// Package audio holds the capture side of the pipeline: PCM chunks, the
// bounded hand-off queue, the listening gate and capture sources.
package audio

import (
	"encoding/binary"
	"sync/atomic"
)

const (
	// SampleRate is fixed by the recognition models.
	SampleRate = 16000
	// Channels is mono.
	Channels = 1
	// BytesPerSample for signed 16-bit PCM.
	BytesPerSample = 2
	// BlockSize is the capture block in frames (500 ms at 16 kHz).
	BlockSize = 8000
)

// Chunk is one captured block of 16 kHz mono s16le PCM. Treat Data as
// read-only once the chunk has been handed to a Handler.
type Chunk struct {
	Data    []byte
	Samples int
}

// NewChunk copies pcm into a new chunk.
func NewChunk(pcm []byte) Chunk {
	data := append(make([]byte, 0, len(pcm)), pcm...)
	return Chunk{Data: data, Samples: len(data) / BytesPerSample}
}

// ChunkFromInt16 encodes samples little-endian.
func ChunkFromInt16(samples []int16) Chunk {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return Chunk{Data: data, Samples: len(samples)}
}

// Handler is implemented by the consumer of a Source. Both methods are
// called from the capture context and must return promptly.
type Handler interface {
	OnChunk(Chunk)
	OnCaptureStatus(error)
}

// Backpressure is implemented by handlers that can hold a finite source
// until there is room for a chunk instead of evicting older audio.
type Backpressure interface {
	// OnChunkWait blocks until c is accepted or cancel is closed. It reports
	// false when the chunk was not delivered and the source should stop.
	OnChunkWait(c Chunk, cancel <-chan struct{}) bool
}

// Source produces chunks until closed. Start must not block.
type Source interface {
	Start(h Handler) error
	Close() error
}

// Gate is the listening/paused flag shared by the capture callback and the
// consumption loop.
type Gate struct {
	listening atomic.Bool
}

func NewGate(listening bool) *Gate {
	g := &Gate{}
	g.listening.Store(listening)
	return g
}

func (g *Gate) Listening() bool { return g.listening.Load() }

func (g *Gate) Set(listening bool) { g.listening.Store(listening) }
