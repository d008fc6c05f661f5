// Package delivery uploads finished speech segments to an HTTP endpoint.
// Each upload is a multipart form carrying the segment as a WAV file plus
// its timing metadata, retried with exponential backoff.
package delivery
