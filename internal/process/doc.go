// Package process owns one external OS process at a time per Handle.
//
// Ownership boundary:
// - launch with unbuffered output and no interactive input
//
// - line capture of stdout/stderr on dedicated goroutines
//
// - termination (group signal, then forced kill)
//
// - exactly-once exit notification
//
// The package holds no session state. Callers decide what a line or an exit means.
package process
