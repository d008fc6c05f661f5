package vad

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sineFrame(n int, amplitude float64, freq float64, sampleRate float64, offset int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		t := float64(offset+i) / sampleRate
		frame[i] = int16(amplitude * math.Sin(2*math.Pi*freq*t))
	}
	return frame
}

func TestEnergyModelSilence(t *testing.T) {
	m := NewEnergyModel()
	for i := 0; i < 10; i++ {
		p, err := m.Predict(make([]int16, 256))
		require.NoError(t, err)
		assert.Less(t, p, float32(0.01))
	}
}

func TestEnergyModelSpeechOnset(t *testing.T) {
	m := NewEnergyModel()

	// Low background noise establishes the floor.
	for i := 0; i < 20; i++ {
		_, err := m.Predict(sineFrame(256, 30, 120, 16000, i*256))
		require.NoError(t, err)
	}

	var p float32
	for i := 0; i < 20; i++ {
		var err error
		p, err = m.Predict(sineFrame(256, 10000, 440, 16000, i*256))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, float32(0))
		assert.LessOrEqual(t, p, float32(1))
	}
	assert.Greater(t, p, float32(0.5))
}

func TestEnergyModelDependsOnHistory(t *testing.T) {
	// A moderate level sits near the initial noise floor, so the floor's
	// drift shows up directly in the probability.
	loud := sineFrame(256, 100, 440, 16000, 0)

	fresh := NewEnergyModel()
	first, err := fresh.Predict(loud)
	require.NoError(t, err)

	primed := NewEnergyModel()
	for i := 0; i < 5; i++ {
		_, err := primed.Predict(loud)
		require.NoError(t, err)
	}
	later, err := primed.Predict(loud)
	require.NoError(t, err)

	assert.NotEqual(t, first, later)

	primed.Reset()
	again, err := primed.Predict(loud)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestFrameLevelDB(t *testing.T) {
	assert.Equal(t, energySilenceDBs, frameLevelDB(nil))
	assert.Equal(t, energySilenceDBs, frameLevelDB(make([]int16, 16)))

	full := make([]int16, 16)
	for i := range full {
		full[i] = math.MaxInt16
	}
	assert.InDelta(t, 0.0, frameLevelDB(full), 0.01)
}
