package vad

import (
	"math"
)

const (
	energyFloorInit  = -60.0 // dBFS
	energyFloorMin   = -90.0
	energyFloorMax   = -20.0
	energyFloorRise  = 0.5 // dB per frame
	energySNRMid     = 10.0
	energySNRScale   = 3.0
	energySmoothing  = 0.3
	energySilenceDBs = -200.0
)

// EnergyModel is a pure-Go detector: frame RMS in dBFS is compared against an
// adaptive noise floor and the margin is squashed into [0, 1], then
// exponentially smoothed with the previous frame's probability.
type EnergyModel struct {
	noiseFloor float64
	lastProb   float64
	frames     uint64
}

// NewEnergyModel creates an energy model with an initial noise floor of -60 dBFS.
func NewEnergyModel() *EnergyModel {
	return &EnergyModel{noiseFloor: energyFloorInit}
}

var _ Model = (*EnergyModel)(nil)

func (m *EnergyModel) Predict(frame []int16) (float32, error) {
	level := frameLevelDB(frame)

	// The floor follows quieter frames immediately and creeps up otherwise.
	if level < m.noiseFloor {
		m.noiseFloor = math.Max(level, energyFloorMin)
	} else {
		m.noiseFloor = math.Min(m.noiseFloor+energyFloorRise, math.Min(level, energyFloorMax))
	}

	snr := level - m.noiseFloor
	raw := 1 / (1 + math.Exp(-(snr-energySNRMid)/energySNRScale))

	prob := raw
	if m.frames > 0 {
		prob = energySmoothing*raw + (1-energySmoothing)*m.lastProb
	}
	prob = clamp01(prob)

	m.lastProb = prob
	m.frames++
	return float32(prob), nil
}

func (m *EnergyModel) Reset() {
	m.noiseFloor = energyFloorInit
	m.lastProb = 0
	m.frames = 0
}

func (m *EnergyModel) Close() error {
	return nil
}

// frameLevelDB returns the RMS level of frame in dBFS.
func frameLevelDB(frame []int16) float64 {
	if len(frame) == 0 {
		return energySilenceDBs
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return energySilenceDBs
	}
	return 20 * math.Log10(rms/32768.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
