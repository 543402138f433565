// Package server implements the websocket subtitle server and the HTTP
// monitoring API.
//
// WSServer accepts connections streaming 16-bit PCM frames, echoes pings and
// answers with subtitles, either a placeholder per frame or transcripts of
// fixed audio windows. HTTPServer exposes health, sessions, configuration,
// statistics and Prometheus metrics.
package server
