// Package audio is the PCM front end of the detector: WAV decoding and
// encoding, slicing sample streams into hop-sized frames, and grouping
// per-frame voice decisions into speech segments.
package audio
