// Package stream tracks websocket subtitle sessions on the server.
// Each session owns the transcription windower for its connection and the
// counters exposed by the monitoring API; idle sessions are removed by a
// cleanup routine after the configured timeout.
package stream
