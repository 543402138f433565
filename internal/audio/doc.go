// Package audio turns normalized float blocks into 16-bit PCM packets.
// It implements sample conversion, energy-gated accumulation with a silence
// hysteresis window, fixed-size windowing for transcription, and WAV
// encoding and decoding.
package audio
