// Package portaudio captures from the default input device.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/loqa-transcriber/internal/audio"
)

// Device streams the default microphone in audio.BlockSize frame blocks.
// The stream stays open for the life of the process; pausing is handled
// downstream by the listening gate.
type Device struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	handler audio.Handler
}

func NewDevice() *Device {
	return &Device{}
}

func (d *Device) Start(h audio.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return errors.New("capture device already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}
	d.handler = h

	stream, err := portaudio.OpenDefaultStream(
		audio.Channels,
		0,
		float64(audio.SampleRate),
		audio.BlockSize,
		d.callback,
	)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}
	d.stream = stream
	return nil
}

// callback runs on the PortAudio thread. It copies the block because the
// driver reuses in after returning.
func (d *Device) callback(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if err := flagsError(flags); err != nil {
		d.handler.OnCaptureStatus(err)
	}
	d.handler.OnChunk(audio.ChunkFromInt16(in))
}

func flagsError(flags portaudio.StreamCallbackFlags) error {
	switch {
	case flags&portaudio.InputOverflow != 0:
		return errors.New("input overflow")
	case flags&portaudio.InputUnderflow != 0:
		return errors.New("input underflow")
	default:
		return nil
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()
	if stream == nil {
		return nil
	}

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop input stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close input stream: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate portaudio: %w", err))
	}
	return errors.Join(errs...)
}
