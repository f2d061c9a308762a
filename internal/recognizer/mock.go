package recognizer

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcriber/internal/audio"
)

type mockRecognizer struct {
	finalEvery int
	speaker    bool
	words      []string
	final      Result
}

// NewMock returns a recognizer that needs no model. Every chunk adds one
// word to the hypothesis; every finalEvery chunks the hypothesis is
// finalized. With speaker set, finals carry an embedding derived from the
// chunk energy.
func NewMock(finalEvery int, speaker bool) Recognizer {
	if finalEvery <= 0 {
		finalEvery = 4
	}
	return &mockRecognizer{finalEvery: finalEvery, speaker: speaker}
}

// MockFactory adapts NewMock to Factory.
func MockFactory(finalEvery int) Factory {
	return func(string) (Recognizer, error) {
		return NewMock(finalEvery, false), nil
	}
}

func (m *mockRecognizer) EnableSpeaker(string) error {
	m.speaker = true
	return nil
}

func (m *mockRecognizer) Feed(chunk audio.Chunk) (bool, error) {
	if len(chunk.Data)%audio.BytesPerSample != 0 {
		return false, fmt.Errorf("misaligned pcm chunk of %d bytes", len(chunk.Data))
	}
	m.words = append(m.words, fmt.Sprintf("w%d", len(m.words)+1))
	if len(m.words) < m.finalEvery {
		return false, nil
	}
	m.final = m.result(chunk)
	m.words = nil
	return true, nil
}

func (m *mockRecognizer) result(chunk audio.Chunk) Result {
	res := Result{Text: strings.Join(m.words, " ")}
	if m.speaker {
		var energy float32
		for i := 0; i+1 < len(chunk.Data); i += 2 {
			s := float32(int16(uint16(chunk.Data[i]) | uint16(chunk.Data[i+1])<<8))
			if s < 0 {
				s = -s
			}
			energy += s
		}
		res.Embedding = []float32{1, energy}
	}
	return res
}

func (m *mockRecognizer) Partial() string { return strings.Join(m.words, " ") }

func (m *mockRecognizer) Final() Result { return m.final }

func (m *mockRecognizer) Flush() (Result, error) {
	res := Result{Text: strings.Join(m.words, " ")}
	m.words = nil
	return res, nil
}

func (m *mockRecognizer) Reset() {
	m.words = nil
	m.final = Result{}
}

func (m *mockRecognizer) Close() {}
