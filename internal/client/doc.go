// Package client talks to a running gamectl: admin control over TCP and
// telemetry over WebSocket.
package client
