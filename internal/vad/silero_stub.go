//go:build !silero

package vad

import (
	"fmt"
)

const sileroCompiledIn = false

// NewSileroModel is unavailable unless the binary is built with -tags silero.
func NewSileroModel(modelPath string, sampleRate int) (Model, error) {
	return nil, fmt.Errorf("%w: silero model not compiled in (build with -tags silero), model_path=%s", ErrInvalidParam, modelPath)
}
