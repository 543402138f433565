// Package protocol defines the websocket message protocol between the
// capture client and the subtitle server: binary PCM frames, ping echoes
// and subtitle results.
package protocol
