// Package supervisor owns the lifecycle of the single managed game process.
//
// Ownership boundary:
// - serialized start/stop with replace semantics
//
// - grace or ready-line wait before a start reports success
//
// - bounded termination with forced kill fallback
//
// - forwarding of the current session's score lines to a telemetry publisher
//
// Transports (HTTP, admin TCP) talk to the Controller interface and never touch handles.
package supervisor
