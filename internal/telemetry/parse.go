package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrNotTelemetry  = errors.New("telemetry: line is not telemetry")
	ErrMalformedLine = errors.New("telemetry: malformed telemetry line")
)

const (
	scorePrefix   = "SCORE"
	maxExactFloat = 1 << 53
)

// ParseLine extracts a score event from one line of process output.
//
// Accepted forms:
//
//	SCORE:42
//	SCORE: 42
//	{"type":"score","value":42}
//	{"kind":"score","value":42}
//
// Lines that look like telemetry but cannot be parsed return ErrMalformedLine.
// Everything else returns ErrNotTelemetry.
func ParseLine(line string) (Event, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, scorePrefix):
		return parsePrefixed(trimmed)
	case strings.HasPrefix(trimmed, "{"):
		return parseJSON(trimmed)
	default:
		return Event{}, ErrNotTelemetry
	}
}

func parsePrefixed(line string) (Event, error) {
	rest := strings.TrimPrefix(line, scorePrefix)
	if !strings.HasPrefix(rest, ":") {
		// SCOREBOARD and friends are ordinary output.
		return Event{}, ErrNotTelemetry
	}
	raw := strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if raw == "" || raw[0] == '+' || raw[0] == '-' {
		return Event{}, fmt.Errorf("%w: score %q", ErrMalformedLine, raw)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: score %q", ErrMalformedLine, raw)
	}
	return Score(value), nil
}

func parseJSON(line string) (Event, error) {
	if !gjson.Valid(line) {
		return Event{}, ErrNotTelemetry
	}
	doc := gjson.Parse(line)
	if !doc.IsObject() {
		return Event{}, ErrNotTelemetry
	}
	kind := doc.Get("type")
	if !kind.Exists() {
		kind = doc.Get("kind")
	}
	if kind.String() != string(KindScore) {
		return Event{}, ErrNotTelemetry
	}

	value := doc.Get("value")
	if value.Type != gjson.Number {
		return Event{}, fmt.Errorf("%w: value %q", ErrMalformedLine, value.Raw)
	}
	if n, err := strconv.ParseInt(value.Raw, 10, 64); err == nil {
		if n < 0 {
			return Event{}, fmt.Errorf("%w: negative value %d", ErrMalformedLine, n)
		}
		return Score(n), nil
	}
	// 12.0 and 1e3 are still whole scores.
	f := value.Float()
	if f < 0 || f != math.Trunc(f) || f > maxExactFloat {
		return Event{}, fmt.Errorf("%w: value %q", ErrMalformedLine, value.Raw)
	}
	return Score(int64(f)), nil
}
