// Package transcription turns audio windows into subtitle text.
// Client uploads each window as a WAV file in a multipart request to an HTTP
// transcription API, with retries, exponential backoff and a concurrency
// limit. Placeholder answers with a fixed text for testing without a model.
package transcription
