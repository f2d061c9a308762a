// Package models resolves model tiers and brings model files onto local
// storage, either from a local archive directory or over the network.
package models

import (
	"errors"
	"fmt"
)

// ModelConfig describes one downloadable model. Values are immutable.
type ModelConfig struct {
	ID              string // archive and directory name: "vosk-model-en-us-0.22"
	DisplayName     string
	SourceURL       string
	ApproximateSize string // "~1.8GB"
	Description     string
}

// Size is a recognition model tier.
type Size string

const (
	SizeSmall  Size = "small"
	SizeMedium Size = "medium"
	SizeLarge  Size = "large"
)

// DefaultSize is used when no tier is configured.
const DefaultSize = SizeLarge

var ErrUnknownSize = errors.New("unknown model size")

const baseURL = "https://alphacephei.com/vosk/models/"

var tiers = map[Size]ModelConfig{
	SizeSmall: {
		ID:              "vosk-model-small-en-us-0.15",
		DisplayName:     "English Small",
		SourceURL:       baseURL + "vosk-model-small-en-us-0.15.zip",
		ApproximateSize: "~50MB",
		Description:     "Fast but less accurate",
	},
	SizeMedium: {
		ID:              "vosk-model-en-us-0.22-lgraph",
		DisplayName:     "English Medium",
		SourceURL:       baseURL + "vosk-model-en-us-0.22-lgraph.zip",
		ApproximateSize: "~500MB",
		Description:     "Good balance of speed and accuracy",
	},
	SizeLarge: {
		ID:              "vosk-model-en-us-0.22",
		DisplayName:     "English Large",
		SourceURL:       baseURL + "vosk-model-en-us-0.22.zip",
		ApproximateSize: "~1.8GB",
		Description:     "Most accurate but slower",
	},
}

// SpeakerModel is the optional x-vector model used for speaker change detection.
var SpeakerModel = ModelConfig{
	ID:              "vosk-model-spk-0.4",
	DisplayName:     "Speaker",
	SourceURL:       baseURL + "vosk-model-spk-0.4.zip",
	ApproximateSize: "~13MB",
	Description:     "Speaker identification using X-vectors",
}

// Resolve returns the model for a tier name.
func Resolve(size string) (ModelConfig, error) {
	cfg, ok := tiers[Size(size)]
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s. Use 'small', 'medium', or 'large'", ErrUnknownSize, size)
	}
	return cfg, nil
}

// Sizes lists the tiers from smallest to largest.
func Sizes() []Size {
	return []Size{SizeSmall, SizeMedium, SizeLarge}
}
