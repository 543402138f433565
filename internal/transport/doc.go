// Package transport implements the websocket client that streams audio
// packets to the subtitle server.
//
// Packets are sent as binary messages of little-endian 16-bit PCM. A ping
// loop measures round-trip time from the server's echo; every other text
// message is a subtitle and is handed to the registered callback. The
// client satisfies capture.Sink, so a capture session can dispatch packets
// to it directly.
package transport
