package main

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/config"
	"github.com/skypro1111/tenvad/internal/vad"
)

var resultLine = regexp.MustCompile(`^\[(\d+)\] (\d\.\d{6}), ([01])$`)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTestWAV writes silence, 0.5 s of tone, then silence at 16 kHz.
func writeTestWAV(t *testing.T) string {
	t.Helper()
	const rate = 16000
	samples := make([]int16, rate*3/2+100)
	for i := rate / 2; i < rate; i++ {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*300*float64(i)/rate))
	}
	path := filepath.Join(t.TempDir(), "input.wav")
	require.NoError(t, audio.SaveWAV(path, samples, rate))
	return path
}

func defaultProcessOptions() processOptions {
	return processOptions{
		HopSize:   256,
		Threshold: 0.5,
		Model:     vad.ModelConfig{Kind: vad.ModelEnergy},
		Segment:   config.Default().Segment,
	}
}

func TestProcessFileWritesOneLinePerFrame(t *testing.T) {
	input := writeTestWAV(t)
	output := filepath.Join(t.TempDir(), "out.txt")

	var stdout bytes.Buffer
	require.NoError(t, processFile(input, output, defaultProcessOptions(), &stdout, discardLogger()))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	// 24100 samples / 256 = 94 full frames; the remainder is dropped.
	require.Len(t, lines, 94)

	voiced := 0
	for i, line := range lines {
		m := resultLine.FindStringSubmatch(line)
		require.NotNil(t, m, "line %d: %q", i, line)
		assert.Equal(t, strconv.Itoa(i), m[1])
		if m[3] == "1" {
			voiced++
		}
	}
	assert.Greater(t, voiced, 10)
	assert.True(t, strings.HasPrefix(lines[0], "[0] "))

	out := stdout.String()
	assert.Contains(t, out, "Audio frame Num: 94")
	assert.Contains(t, out, "RTF:")
	assert.NotContains(t, out, "segment 0")
}

func TestProcessFileSegments(t *testing.T) {
	input := writeTestWAV(t)
	output := filepath.Join(t.TempDir(), "out.txt")

	opts := defaultProcessOptions()
	opts.Segments = true

	var stdout bytes.Buffer
	require.NoError(t, processFile(input, output, opts, &stdout, discardLogger()))
	assert.Contains(t, stdout.String(), "segment 0: 0.5")
	assert.NotContains(t, stdout.String(), "segment 1:")
}

func TestProcessFileErrors(t *testing.T) {
	input := writeTestWAV(t)
	output := filepath.Join(t.TempDir(), "out.txt")

	opts := defaultProcessOptions()
	opts.HopSize = 0
	err := processFile(input, output, opts, io.Discard, discardLogger())
	assert.ErrorIs(t, err, vad.ErrInvalidParam)

	opts = defaultProcessOptions()
	opts.Threshold = 2
	err = processFile(input, output, opts, io.Discard, discardLogger())
	assert.ErrorIs(t, err, vad.ErrInvalidParam)

	opts = defaultProcessOptions()
	opts.Model.Kind = "unknown"
	err = processFile(input, output, opts, io.Discard, discardLogger())
	assert.ErrorIs(t, err, vad.ErrInvalidParam)

	err = processFile(filepath.Join(t.TempDir(), "missing.wav"), output, defaultProcessOptions(), io.Discard, discardLogger())
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = processFile(input, filepath.Join(t.TempDir(), "no", "such", "dir.txt"), defaultProcessOptions(), io.Discard, discardLogger())
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env"), false))
	assert.Error(t, loadEnvFile(filepath.Join(dir, "missing.env"), true))
	assert.NoError(t, loadEnvFile("", true))

	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TENVAD_TEST_ONLY_VALUE=42\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("TENVAD_TEST_ONLY_VALUE") })

	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "42", os.Getenv("TENVAD_TEST_ONLY_VALUE"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--env-file", ""})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "tenvad v"+vad.GetVersion())
}

func TestInitLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	logger := initLogger(config.LoggingConfig{Level: "warn", Format: "json", Output: path})

	logger.Info("dropped")
	logger.Warn("kept", slog.String("key", "value"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.Contains(t, string(data), `"key":"value"`)
}
