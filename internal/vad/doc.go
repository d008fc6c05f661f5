// Package vad implements the streaming voice activity detection session.
// A Session owns a pluggable Model and turns fixed-size PCM frames into a
// speech probability and a thresholded voice flag, one frame at a time.
package vad
