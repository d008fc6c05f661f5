package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wavChunk struct {
	id      string
	payload []byte
}

// buildWAV assembles a RIFF/WAVE file by hand so that chunk layout can be
// controlled: fmt, optional extra chunks, then data.
func buildWAV(t *testing.T, channels, bits uint16, sampleRate uint32, extra map[string][]byte, pcm []byte) []byte {
	t.Helper()
	var after []wavChunk
	for id, payload := range extra {
		after = append(after, wavChunk{id, payload})
	}
	return buildWAVLayout(t, channels, bits, sampleRate, nil, after, pcm)
}

// buildWAVLayout writes before, fmt, after and data in that order.
func buildWAVLayout(t *testing.T, channels, bits uint16, sampleRate uint32, before, after []wavChunk, pcm []byte) []byte {
	t.Helper()

	var body bytes.Buffer
	body.WriteString("WAVE")

	for _, c := range before {
		writeChunk(&body, c.id, c.payload)
	}

	fmtChunk := new(bytes.Buffer)
	blockAlign := channels * bits / 8
	require.NoError(t, binary.Write(fmtChunk, binary.LittleEndian, struct {
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{1, channels, sampleRate, sampleRate * uint32(blockAlign), blockAlign, bits}))
	writeChunk(&body, "fmt ", fmtChunk.Bytes())

	for _, c := range after {
		writeChunk(&body, c.id, c.payload)
	}
	writeChunk(&body, "data", pcm)

	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeChunk(buf *bytes.Buffer, id string, payload []byte) {
	buf.WriteString(id)
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	if len(payload)%2 == 1 {
		buf.WriteByte(0)
	}
}

func TestWriteAndDecodeWAV(t *testing.T) {
	sampleRate := 16000
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(16383 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
	}

	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, SaveWAV(path, samples, sampleRate))

	decoded, info, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, samples, decoded)
	assert.Equal(t, sampleRate, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitsPerSample)
	assert.Equal(t, len(samples), info.NumSamples)
	assert.Equal(t, 100*time.Millisecond, info.Duration)
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	want := []int16{100, -200, 300, -400, 500, -600}
	pcm := SamplesToBytes(want)

	tests := []struct {
		name   string
		before []wavChunk
		after  []wavChunk
	}{
		{name: "even junk", after: []wavChunk{{"junk", []byte{1, 2, 3, 4}}}},
		{name: "odd LIST of 1", after: []wavChunk{{"LIST", []byte{9}}}},
		{name: "odd LIST of 3", after: []wavChunk{{"LIST", []byte{9, 8, 7}}}},
		{name: "odd LIST of 5", after: []wavChunk{{"LIST", []byte{9, 8, 7, 6, 5}}}},
		{name: "odd chunk before fmt", before: []wavChunk{{"bext", []byte{1, 2, 3}}}},
		{
			name:   "odd chunks on both sides",
			before: []wavChunk{{"bext", []byte{1}}},
			after:  []wavChunk{{"LIST", []byte{9, 8, 7}}, {"junk", []byte{1, 2}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildWAVLayout(t, 1, 16, 16000, tt.before, tt.after, pcm)

			samples, info, err := DecodeWAV(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, want, samples)
			assert.Equal(t, 16000, info.SampleRate)
			assert.Equal(t, len(want), info.NumSamples)
		})
	}
}

func TestDecodeWAVRejects(t *testing.T) {
	pcm := SamplesToBytes(make([]int16, 64))

	tests := []struct {
		name string
		data []byte
	}{
		{name: "stereo", data: buildWAV(t, 2, 16, 16000, nil, pcm)},
		{name: "8-bit", data: buildWAV(t, 1, 8, 16000, nil, pcm)},
		{name: "not RIFF", data: append([]byte("RIFX"), make([]byte, 60)...)},
		{name: "truncated", data: []byte("RIFF")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeWAV(bytes.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadWAVMissingFile(t *testing.T) {
	_, _, err := LoadWAV(filepath.Join(t.TempDir(), "absent.wav"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteWAVValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wav")
	assert.Error(t, SaveWAV(path, nil, 16000))
	assert.Error(t, SaveWAV(path, []int16{1}, 0))
}

func TestEncodeWAVInMemory(t *testing.T) {
	samples := []int16{0, 1200, -1200, math.MaxInt16, math.MinInt16}

	data, err := EncodeWAV(samples, 8000)
	require.NoError(t, err)
	assert.Len(t, data, 44+len(samples)*2)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, uint32(len(data)-8), binary.LittleEndian.Uint32(data[4:8]))

	decoded, info, err := DecodeWAV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, samples, decoded)
	assert.Equal(t, 8000, info.SampleRate)

	_, err = EncodeWAV(nil, 8000)
	assert.Error(t, err)
}
