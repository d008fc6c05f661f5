package audio

import (
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

const wavFormatPCM = 1

// WAVInfo describes the PCM stream found in a WAV file.
type WAVInfo struct {
	SampleRate    int           `json:"sample_rate"`
	Channels      int           `json:"channels"`
	BitsPerSample int           `json:"bits_per_sample"`
	NumSamples    int           `json:"num_samples"`
	Duration      time.Duration `json:"duration"`
}

// DecodeWAV reads a RIFF/WAVE stream, skipping chunks other than "fmt " and
// "data", and returns its samples. Only 16-bit mono PCM is accepted.
func DecodeWAV(r io.ReadSeeker) ([]int16, *WAVInfo, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, nil, fmt.Errorf("invalid WAV file: %w", err)
		}
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt or data chunk")
	}

	if dec.WavAudioFormat != wavFormatPCM {
		return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", dec.BitDepth)
	}
	if dec.NumChans != 1 {
		return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", dec.NumChans)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read audio samples: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}

	info := &WAVInfo{
		SampleRate:    int(dec.SampleRate),
		Channels:      int(dec.NumChans),
		BitsPerSample: int(dec.BitDepth),
		NumSamples:    len(samples),
	}
	if info.SampleRate > 0 {
		info.Duration = time.Duration(len(samples)) * time.Second / time.Duration(info.SampleRate)
	}
	return samples, info, nil
}

// LoadWAV opens and decodes the WAV file at path.
func LoadWAV(path string) ([]int16, *WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input file %s: %w", path, err)
	}
	defer f.Close()

	samples, info, err := DecodeWAV(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return samples, info, nil
}

// WriteWAV encodes samples as a 16-bit mono PCM WAV stream.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate int) error {
	if len(samples) == 0 {
		return fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, wavFormatPCM)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	return nil
}

// SaveWAV writes samples to a new WAV file at path.
func SaveWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeWAV returns samples as an in-memory 16-bit mono PCM WAV file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	ws := &writerseeker.WriterSeeker{}
	if err := WriteWAV(ws, samples, sampleRate); err != nil {
		return nil, err
	}
	return io.ReadAll(ws.Reader())
}
