// Package server implements the HTTP API of the VAD service.
// It exposes session management and per-frame detection over REST, a
// WebSocket stream that frames raw PCM and reports results and speech
// segments, and monitoring endpoints.
package server
