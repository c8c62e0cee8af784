// Package admin serves the line-delimited JSON control endpoint used by client-tm.
package admin

import (
	"encoding/json"
	"io"
)

const (
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionStatus    = "status"
	ActionTelemetry = "telemetry"
)

// Request is one admin action envelope. One request per line.
type Request struct {
	Action string `json:"action"`
}

// Response is one admin result envelope. One response per line.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// RawResponse is Response with Data left undecoded for clients.
type RawResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func writeLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// WriteRequest encodes req as one line.
func WriteRequest(w io.Writer, req Request) error {
	return writeLine(w, req)
}
