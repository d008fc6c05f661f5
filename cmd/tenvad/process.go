package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/tenvad/internal/audio"
	"github.com/skypro1111/tenvad/internal/config"
	"github.com/skypro1111/tenvad/internal/vad"
)

// processOptions are the detector settings for a file run
type processOptions struct {
	HopSize   int
	Threshold float32
	Model     vad.ModelConfig
	Segments  bool
	Segment   config.SegmentConfig
}

var (
	processHopSize   int
	processThreshold float32
	processModel     string
	processMode      int
	processModelPath string
	processSegments  bool
)

var processCmd = &cobra.Command{
	Use:   "process <input.wav> <output.txt>",
	Short: "Run a WAV file through a detector session",
	Long: `Splits a 16-bit mono WAV file into hop-sized frames, runs every frame
through one detector session and writes one line per frame:

  [index] probability, flag

A trailing partial frame is not processed.`,
	Args: cobra.ExactArgs(2),
	RunE: runProcessCmd,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().IntVar(&processHopSize, "hop-size", 256, "samples per frame")
	processCmd.Flags().Float32Var(&processThreshold, "threshold", 0.5, "decision threshold in [0, 1]")
	processCmd.Flags().StringVar(&processModel, "model", vad.ModelEnergy, "model kind: energy, webrtc or silero")
	processCmd.Flags().IntVar(&processMode, "mode", 2, "webrtc aggressiveness (0-3)")
	processCmd.Flags().StringVar(&processModelPath, "model-path", "", "silero ONNX model file")
	processCmd.Flags().BoolVar(&processSegments, "segments", false, "print detected speech segments")
}

func runProcessCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Logging)

	// Flags win over the config file when given.
	opts := processOptions{
		HopSize:   cfg.VAD.HopSize,
		Threshold: cfg.VAD.Threshold,
		Model: vad.ModelConfig{
			Kind:      cfg.VAD.Model,
			Mode:      cfg.VAD.Mode,
			ModelPath: cfg.VAD.ModelPath,
		},
		Segments: processSegments,
		Segment:  cfg.Segment,
	}
	flags := cmd.Flags()
	if flags.Changed("hop-size") {
		opts.HopSize = processHopSize
	}
	if flags.Changed("threshold") {
		opts.Threshold = processThreshold
	}
	if flags.Changed("model") {
		opts.Model.Kind = processModel
	}
	if flags.Changed("mode") {
		opts.Model.Mode = processMode
	}
	if flags.Changed("model-path") {
		opts.Model.ModelPath = processModelPath
	}

	return processFile(args[0], args[1], opts, cmd.OutOrStdout(), logger)
}

// processFile runs input through one session and writes per-frame results
// to output. A run summary goes to stdout.
func processFile(input, output string, opts processOptions, stdout io.Writer, logger *slog.Logger) error {
	samples, info, err := audio.LoadWAV(input)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "tenvad version: %s\n", vad.GetVersion())
	audioTime := info.Duration
	fmt.Fprintf(stdout, "WAV samples: %d, sample rate: %d Hz, total_audio_time: %.2f(ms)\n",
		info.NumSamples, info.SampleRate, float64(audioTime)/float64(time.Millisecond))

	opts.Model.SampleRate = info.SampleRate
	factory, err := vad.NewModelFactory(opts.Model)
	if err != nil {
		return err
	}
	session, err := vad.Create(opts.HopSize, opts.Threshold, vad.WithModel(factory), vad.WithLogger(logger))
	if err != nil {
		return err
	}
	defer vad.Destroy(&session)

	var segmenter *audio.Segmenter
	if opts.Segments {
		frameDuration := audio.FrameDurationFor(opts.HopSize, info.SampleRate)
		segmenter, err = audio.NewSegmenter(opts.Segment.SegmenterConfig(frameDuration))
		if err != nil {
			return fmt.Errorf("segmenter: %w", err)
		}
	}

	frames := audio.SplitFrames(samples, opts.HopSize)
	fmt.Fprintf(stdout, "Audio frame Num: %d\n", len(frames))

	results := make([]vad.Result, 0, len(frames))
	var segments []*audio.Segment

	start := time.Now()
	for i, frame := range frames {
		result, err := session.Process(frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		results = append(results, result)
		if segmenter != nil {
			if seg := segmenter.Push(uint64(i), result.Probability, result.Flag); seg != nil {
				segments = append(segments, seg)
			}
		}
	}
	elapsed := time.Since(start)
	if segmenter != nil {
		if seg := segmenter.Flush(); seg != nil {
			segments = append(segments, seg)
		}
	}

	rtf := 0.0
	if audioTime > 0 {
		rtf = float64(elapsed) / float64(audioTime)
	}
	fmt.Fprintf(stdout, "Consuming time: %f(ms), audio-time: %.2f(ms), =====> RTF: %0.6f\n",
		float64(elapsed)/float64(time.Millisecond), float64(audioTime)/float64(time.Millisecond), rtf)

	if err := writeResults(output, results); err != nil {
		return err
	}

	for i, seg := range segments {
		fmt.Fprintf(stdout, "segment %d: %.3fs - %.3fs (%.3fs, confidence %.3f)\n",
			i, seg.Start.Seconds(), seg.End.Seconds(), seg.Duration.Seconds(), seg.Confidence)
	}

	logger.Debug("File processed",
		slog.String("input", input),
		slog.Int("frames", len(results)),
		slog.Int("segments", len(segments)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func writeResults(path string, results []vad.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	for i, r := range results {
		fmt.Fprintf(w, "[%d] %0.6f, %d\n", i, r.Probability, r.Flag)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
