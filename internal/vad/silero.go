//go:build silero

package vad

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	sileroCompiledIn = true
	sileroStateLen   = 2 * 1 * 128
)

var (
	sileroRuntimeInitialized bool
	sileroRuntimeMu          sync.Mutex
)

// initSileroRuntime initializes the ONNX runtime once per process.
// ONNXRUNTIME_LIB overrides the shared library location.
func initSileroRuntime() error {
	sileroRuntimeMu.Lock()
	defer sileroRuntimeMu.Unlock()

	if sileroRuntimeInitialized {
		return nil
	}
	if libPath := findONNXRuntimeLibrary(); libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	sileroRuntimeInitialized = true
	return nil
}

func findONNXRuntimeLibrary() string {
	paths := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/onnxruntime/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		for _, dir := range filepath.SplitList(ldPath) {
			paths = append(paths, filepath.Join(dir, "libonnxruntime.so"))
		}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SileroModel runs the Silero VAD ONNX model. Silero consumes fixed windows
// (512 samples at 16 kHz, 256 at 8 kHz) independent of the session hop size,
// so samples are queued and the most recent window's output is reported.
type SileroModel struct {
	session    *ort.DynamicAdvancedSession
	sampleRate int
	windowSize int

	state     [sileroStateLen]float32
	context   []float32
	pending   []float32
	processed int
	lastProb  float32
}

var _ Model = (*SileroModel)(nil)

// NewSileroModel loads the ONNX model at modelPath.
func NewSileroModel(modelPath string, sampleRate int) (Model, error) {
	if err := initSileroRuntime(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("failed to set inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	windowSize, contextLen := 512, 64
	if sampleRate == 8000 {
		windowSize, contextLen = 256, 32
	}
	return &SileroModel{
		session:    session,
		sampleRate: sampleRate,
		windowSize: windowSize,
		context:    make([]float32, contextLen),
	}, nil
}

func (m *SileroModel) Predict(frame []int16) (float32, error) {
	if m.session == nil {
		return 0, fmt.Errorf("silero model is closed")
	}
	for _, s := range frame {
		m.pending = append(m.pending, float32(s)/32768.0)
	}
	for len(m.pending) >= m.windowSize {
		prob, err := m.infer(m.pending[:m.windowSize])
		if err != nil {
			return 0, err
		}
		m.lastProb = prob
		m.pending = m.pending[m.windowSize:]
	}
	m.pending = append(m.pending[:0:0], m.pending...)
	return m.lastProb, nil
}

func (m *SileroModel) infer(window []float32) (float32, error) {
	pcm := window
	if m.processed > 0 {
		pcm = append(append(make([]float32, 0, len(m.context)+len(window)), m.context...), window...)
	}
	copy(m.context, window[len(window)-len(m.context):])
	m.processed += len(window)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(pcm))), pcm)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), m.state[:])
	if err != nil {
		return 0, fmt.Errorf("failed to create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(m.sampleRate)})
	if err != nil {
		return 0, fmt.Errorf("failed to create sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("failed to create stateN tensor: %w", err)
	}
	defer stateNTensor.Destroy()

	inputs := []ort.Value{inputTensor, stateTensor, srTensor}
	outputs := []ort.Value{outputTensor, stateNTensor}
	if err := m.session.Run(inputs, outputs); err != nil {
		return 0, fmt.Errorf("failed to run inference: %w", err)
	}

	copy(m.state[:], stateNTensor.GetData())
	out := outputTensor.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("empty output from inference")
	}
	return out[0], nil
}

func (m *SileroModel) Reset() {
	clear(m.state[:])
	clear(m.context)
	m.pending = m.pending[:0]
	m.processed = 0
	m.lastProb = 0
}

func (m *SileroModel) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	if err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}
