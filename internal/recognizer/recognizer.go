// Package recognizer defines the streaming decoder contract the pipeline
// drives. Decoders are injected; the pipeline never depends on one directly.
package recognizer

import "github.com/loqalabs/loqa-transcriber/internal/audio"

// Result is a decoded hypothesis. Embedding is only set on final results
// from a speaker-capable recognizer.
type Result struct {
	Text      string
	Embedding []float32
}

// Recognizer is a stateful streaming decoder. Implementations need not be
// safe for concurrent use; the consumption loop is the only caller.
type Recognizer interface {
	// Feed decodes one chunk and reports whether an utterance was finalized.
	Feed(chunk audio.Chunk) (final bool, err error)
	// Partial returns the in-progress hypothesis after a non-final Feed.
	Partial() string
	// Final returns the committed result right after a final Feed.
	Final() Result
	// Flush forces out whatever has been decoded so far as a final result.
	Flush() (Result, error)
	// Reset discards decoder state.
	Reset()
	Close()
}

// SpeakerCapable is implemented by recognizers that can attach a speaker
// model after construction. Once enabled, final results carry embeddings.
type SpeakerCapable interface {
	EnableSpeaker(modelPath string) error
}

// Factory builds a recognizer from a model directory that is already on disk.
type Factory func(modelPath string) (Recognizer, error)
