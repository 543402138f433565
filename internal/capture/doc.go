// Package capture runs capture sessions: it feeds audio blocks through the
// frame gate and packetizer and hands emitted packets to a transport
// without ever blocking the capture loop.
package capture
