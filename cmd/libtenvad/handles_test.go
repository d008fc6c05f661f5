package main

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/tenvad/internal/vad"
)

type constModel struct {
	prob float32
	err  error
}

func (m *constModel) Predict([]int16) (float32, error) { return m.prob, m.err }
func (m *constModel) Reset()                           {}
func (m *constModel) Close() error                     { return nil }

func newTestTable(t *testing.T, m *constModel) *handleTable {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newHandleTable(func(int) (vad.Model, error) { return m, nil }, logger)
}

func frameOf(n int) func() []int16 {
	return func() []int16 { return make([]int16, n) }
}

func TestHandleTableCreate(t *testing.T) {
	table := newTestTable(t, &constModel{prob: 0.5})

	tests := []struct {
		name      string
		hopSize   uint64
		threshold float32
		want      vad.Code
	}{
		{name: "typical", hopSize: 256, threshold: 0.5, want: vad.CodeSuccess},
		{name: "threshold bounds", hopSize: 160, threshold: 1, want: vad.CodeSuccess},
		{name: "zero hop size", hopSize: 0, threshold: 0.5, want: vad.CodeInvalidParam},
		{name: "hop size overflow", hopSize: math.MaxUint64, threshold: 0.5, want: vad.CodeInvalidParam},
		{name: "threshold above one", hopSize: 256, threshold: 1.01, want: vad.CodeInvalidParam},
		{name: "threshold negative", hopSize: 256, threshold: -0.5, want: vad.CodeInvalidParam},
		{name: "threshold NaN", hopSize: 256, threshold: float32(math.NaN()), want: vad.CodeInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, code := table.create(tt.hopSize, tt.threshold)
			assert.Equal(t, tt.want, code)
			if tt.want == vad.CodeSuccess {
				assert.NotZero(t, h)
				assert.Equal(t, vad.CodeSuccess, table.destroy(h))
			} else {
				assert.Zero(t, h)
			}
		})
	}
	assert.Zero(t, table.count())
}

func TestHandleTableCreateModelFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	table := newHandleTable(func(int) (vad.Model, error) {
		return nil, errors.New("no memory for model")
	}, logger)

	h, code := table.create(256, 0.5)
	assert.Equal(t, vad.CodeOutOfMemory, code)
	assert.Zero(t, h)
}

func TestHandleTableProcess(t *testing.T) {
	table := newTestTable(t, &constModel{prob: 0.5})
	h, code := table.create(256, 0.5)
	require.Equal(t, vad.CodeSuccess, code)
	defer table.destroy(h)

	prob, flag, code := table.process(h, 256, frameOf(256))
	require.Equal(t, vad.CodeSuccess, code)
	assert.Equal(t, float32(0.5), prob)
	assert.Equal(t, 1, flag, "probability equal to threshold is voice")

	require.Equal(t, vad.CodeSuccess, table.setThreshold(h, 0.6))
	_, flag, code = table.process(h, 256, frameOf(256))
	require.Equal(t, vad.CodeSuccess, code)
	assert.Equal(t, 0, flag)
}

func TestHandleTableProcessErrors(t *testing.T) {
	m := &constModel{prob: 0.5}
	table := newTestTable(t, m)
	h, code := table.create(256, 0.5)
	require.Equal(t, vad.CodeSuccess, code)

	called := false
	neverBuilt := func() []int16 {
		called = true
		return nil
	}

	_, _, code = table.process(0, 256, neverBuilt)
	assert.Equal(t, vad.CodeInvalidParam, code, "null handle")

	_, _, code = table.process(h+100, 256, neverBuilt)
	assert.Equal(t, vad.CodeInvalidState, code, "unknown handle")

	_, _, code = table.process(h, 255, neverBuilt)
	assert.Equal(t, vad.CodeInvalidParam, code, "short frame")

	_, _, code = table.process(h, 512, neverBuilt)
	assert.Equal(t, vad.CodeInvalidParam, code, "long frame")
	assert.False(t, called, "frame must not be read when validation fails")

	m.err = errors.New("inference failed")
	_, _, code = table.process(h, 256, frameOf(256))
	assert.Equal(t, vad.CodeProcessFailed, code)

	require.Equal(t, vad.CodeSuccess, table.destroy(h))
	_, _, code = table.process(h, 256, frameOf(256))
	assert.Equal(t, vad.CodeInvalidState, code, "destroyed handle")
}

func TestHandleTableSetThreshold(t *testing.T) {
	table := newTestTable(t, &constModel{prob: 0.5})
	h, code := table.create(256, 0.4)
	require.Equal(t, vad.CodeSuccess, code)
	defer table.destroy(h)

	assert.Equal(t, vad.CodeInvalidParam, table.setThreshold(h, 1.5))
	assert.Equal(t, vad.CodeInvalidParam, table.setThreshold(h, -0.1))
	assert.Equal(t, vad.CodeInvalidParam, table.setThreshold(0, 0.5))
	assert.Equal(t, vad.CodeInvalidState, table.setThreshold(h+1, 0.5))

	_, flag, code := table.process(h, 256, frameOf(256))
	require.Equal(t, vad.CodeSuccess, code)
	assert.Equal(t, 1, flag, "rejected thresholds leave 0.4 in place")
}

func TestHandleTableRegisterCallback(t *testing.T) {
	table := newTestTable(t, &constModel{prob: 0.75})
	h, code := table.create(160, 0.5)
	require.Equal(t, vad.CodeSuccess, code)
	defer table.destroy(h)

	assert.Equal(t, vad.CodeInvalidParam, table.registerCallback(h, nil, nil))
	assert.Equal(t, vad.CodeInvalidParam, table.registerCallback(0, func(float32, int, any) {}, nil))

	type observed struct {
		prob     float32
		flag     int
		userData any
	}
	var got []observed
	cb := func(prob float32, flag int, userData any) {
		got = append(got, observed{prob, flag, userData})
	}
	require.Equal(t, vad.CodeSuccess, table.registerCallback(h, cb, "ctx"))

	for i := 0; i < 3; i++ {
		_, _, code := table.process(h, 160, frameOf(160))
		require.Equal(t, vad.CodeSuccess, code)
	}
	require.Len(t, got, 3)
	for _, o := range got {
		assert.Equal(t, observed{0.75, 1, "ctx"}, o)
	}
}

func TestHandleTableDestroy(t *testing.T) {
	table := newTestTable(t, &constModel{prob: 0.5})
	h, code := table.create(256, 0.5)
	require.Equal(t, vad.CodeSuccess, code)
	assert.Equal(t, 1, table.count())

	assert.Equal(t, vad.CodeSuccess, table.destroy(h))
	assert.Equal(t, vad.CodeSuccess, table.destroy(0), "null handle is already destroyed")
	assert.Equal(t, vad.CodeInvalidState, table.destroy(h), "stale handle")
	assert.Zero(t, table.count())
}

func TestHandleTableIndependentHandles(t *testing.T) {
	table := newTestTable(t, &constModel{prob: 0.5})

	const n = 16
	var wg sync.WaitGroup
	handles := make([]uintptr, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, code := table.create(256, 0.5)
			assert.Equal(t, vad.CodeSuccess, code)
			handles[i] = h
			for j := 0; j < 10; j++ {
				_, _, code := table.process(h, 256, frameOf(256))
				assert.Equal(t, vad.CodeSuccess, code)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uintptr]bool, n)
	for _, h := range handles {
		assert.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
		assert.Equal(t, vad.CodeSuccess, table.destroy(h))
	}
	assert.Zero(t, table.count())
}

func TestDefaultHandleTable(t *testing.T) {
	t.Setenv("TENVAD_MODEL", "no-such-model")

	table := defaultHandleTable()
	h, code := table.create(256, 0.5)
	require.Equal(t, vad.CodeSuccess, code, "invalid model falls back to energy")

	_, flag, code := table.process(h, 256, frameOf(256))
	require.Equal(t, vad.CodeSuccess, code)
	assert.Equal(t, 0, flag, "silence")
	assert.Equal(t, vad.CodeSuccess, table.destroy(h))
}
