// Package vosk adapts the Vosk/Kaldi streaming decoder to recognizer.Recognizer.
package vosk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	voskapi "github.com/alphacep/vosk-api/go"

	"github.com/loqalabs/loqa-transcriber/internal/audio"
	"github.com/loqalabs/loqa-transcriber/internal/recognizer"
)

// Recognizer keeps one loaded model resident and a recognizer bound to it.
type Recognizer struct {
	model    *voskapi.VoskModel
	spkModel *voskapi.VoskSpkModel
	rec      *voskapi.VoskRecognizer
	words    bool
	final    recognizer.Result
}

type result struct {
	Text    string    `json:"text"`
	Partial string    `json:"partial"`
	Spk     []float32 `json:"spk"`
}

// NewFactory returns a recognizer.Factory producing Vosk recognizers.
// With words set, results carry word-level timing internally.
func NewFactory(words bool) recognizer.Factory {
	return func(modelPath string) (recognizer.Recognizer, error) {
		return New(modelPath, words)
	}
}

func New(modelPath string, words bool) (*Recognizer, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vosk model not found: %w", err)
	}
	voskapi.SetLogLevel(-1)

	model, err := voskapi.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	r := &Recognizer{model: model, words: words}
	if err := r.rebuild(); err != nil {
		model.Free()
		return nil, err
	}
	return r, nil
}

func (r *Recognizer) rebuild() error {
	rec, err := voskapi.NewRecognizer(r.model, float64(audio.SampleRate))
	if err != nil {
		return fmt.Errorf("create vosk recognizer: %w", err)
	}
	if r.words {
		rec.SetWords(1)
	}
	if r.spkModel != nil {
		rec.SetSpkModel(r.spkModel)
	}
	if r.rec != nil {
		r.rec.Free()
	}
	r.rec = rec
	return nil
}

// EnableSpeaker loads an x-vector model and attaches it to the recognizer.
func (r *Recognizer) EnableSpeaker(modelPath string) error {
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("speaker model not found: %w", err)
	}
	spk, err := voskapi.NewSpkModel(modelPath)
	if err != nil {
		return fmt.Errorf("load speaker model: %w", err)
	}
	if r.spkModel != nil {
		r.spkModel.Free()
	}
	r.spkModel = spk
	r.rec.SetSpkModel(spk)
	return nil
}

func (r *Recognizer) Feed(chunk audio.Chunk) (bool, error) {
	switch r.rec.AcceptWaveform(chunk.Data) {
	case 1:
		res, err := decode(r.rec.Result())
		if err != nil {
			return false, err
		}
		r.final = recognizer.Result{Text: res.Text, Embedding: res.Spk}
		return true, nil
	case 0:
		return false, nil
	default:
		return false, errors.New("vosk rejected waveform")
	}
}

func (r *Recognizer) Partial() string {
	res, err := decode(r.rec.PartialResult())
	if err != nil {
		return ""
	}
	return res.Partial
}

func (r *Recognizer) Final() recognizer.Result { return r.final }

func (r *Recognizer) Flush() (recognizer.Result, error) {
	res, err := decode(r.rec.FinalResult())
	if err != nil {
		return recognizer.Result{}, err
	}
	return recognizer.Result{Text: res.Text, Embedding: res.Spk}, nil
}

// Reset builds a fresh recognizer on the resident model so no decoder
// context survives a pause.
func (r *Recognizer) Reset() {
	r.final = recognizer.Result{}
	if err := r.rebuild(); err != nil {
		r.rec.Reset()
	}
}

func (r *Recognizer) Close() {
	if r.rec != nil {
		r.rec.Free()
		r.rec = nil
	}
	if r.spkModel != nil {
		r.spkModel.Free()
		r.spkModel = nil
	}
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
}

func decode(raw string) (result, error) {
	var res result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return result{}, fmt.Errorf("decode vosk result: %w", err)
	}
	return res, nil
}
