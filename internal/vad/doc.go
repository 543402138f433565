// Package vad provides energy-based voice activity gating.
// It computes the RMS energy of audio blocks and applies a silence
// hysteresis window so short pauses inside an utterance are kept.
package vad
