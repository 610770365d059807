// Package protocol defines the messages exchanged with the gatekeeper and
// their positional frame layout.
//
// Accounting messages always carry exactly six text frames:
//
//	domain, status, identifier, receivedTimestamp, delayTimestamp, logInfo
//
// with absent optional fields sent as empty frames so the frame count never
// changes. Control messages carry at least three frames:
//
//	domain, command, identifier, arg0, arg1, ...
package protocol

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	errspkg "github.com/qz267/smockron/internal/runtime/errors"
)

const (
	// StatusAccepted marks a request the host accepted for processing.
	StatusAccepted = "ACCEPTED"

	// CommandDelayUntil asks that processing for an identifier be deferred
	// until the timestamp in arg0 (decimal seconds since the Unix epoch).
	CommandDelayUntil = "DELAY_UNTIL"

	// AccountingFrameCount is the fixed number of frames in an accounting message.
	AccountingFrameCount = 6
	// MinControlFrames is the minimum number of frames of a valid control message.
	MinControlFrames = 3
)

// Frames is an ordered multi-frame message.
type Frames [][]byte

// TextFrames builds Frames from strings.
func TextFrames(values ...string) Frames {
	frames := make(Frames, len(values))
	for i, v := range values {
		frames[i] = []byte(v)
	}
	return frames
}

// Strings returns the frames as strings without validating them.
func (f Frames) Strings() []string {
	out := make([]string, len(f))
	for i, frame := range f {
		out[i] = string(frame)
	}
	return out
}

// AccountingEvent reports what happened to a single request.
type AccountingEvent struct {
	Domain     string
	Status     string
	Identifier string
	// ReceivedTimestamp is in milliseconds since the Unix epoch.
	ReceivedTimestamp float64
	// DelayTimestamp is optional; nil is sent as an empty frame.
	DelayTimestamp *float64
	// LogInfo is optional; empty is sent as an empty frame.
	LogInfo string
}

// Frames returns the six accounting frames in wire order.
func (e AccountingEvent) Frames() Frames {
	delay := ""
	if e.DelayTimestamp != nil {
		delay = FormatTimestamp(*e.DelayTimestamp)
	}
	return TextFrames(
		e.Domain,
		e.Status,
		e.Identifier,
		FormatTimestamp(e.ReceivedTimestamp),
		delay,
		e.LogInfo,
	)
}

// ControlMessage is a directive received from the gatekeeper.
type ControlMessage struct {
	Domain     string
	Command    string
	Identifier string
	Args       []string
	// Timestamp is set only for DELAY_UNTIL. arg0 is read like a lenient
	// float parser would: leading whitespace is skipped and the longest
	// decimal prefix wins, so "17.5s" reads as 17.5. It holds NaN when no
	// number leads arg0; such messages are still delivered.
	Timestamp *float64
}

// HasValidTimestamp reports whether Timestamp is present and numeric.
func (m ControlMessage) HasValidTimestamp() bool {
	return m.Timestamp != nil && !math.IsNaN(*m.Timestamp) && !math.IsInf(*m.Timestamp, 0)
}

// DelayTime converts Timestamp (seconds) into a wall clock time.
func (m ControlMessage) DelayTime() (time.Time, bool) {
	if !m.HasValidTimestamp() {
		return time.Time{}, false
	}
	return SecondsToTime(*m.Timestamp), true
}

// Frames returns the control message in wire order.
func (m ControlMessage) Frames() Frames {
	values := make([]string, 0, MinControlFrames+len(m.Args))
	values = append(values, m.Domain, m.Command, m.Identifier)
	values = append(values, m.Args...)
	return TextFrames(values...)
}

// DecodeControl validates raw frames and builds a ControlMessage. It fails
// with ErrTooFewFrames or ErrFrameNotText; callers drop such messages.
func DecodeControl(frames Frames) (ControlMessage, error) {
	if len(frames) < MinControlFrames {
		return ControlMessage{}, fmt.Errorf("%w: got %d, need %d", errspkg.ErrTooFewFrames, len(frames), MinControlFrames)
	}

	decoded := make([]string, len(frames))
	for i, frame := range frames {
		if !utf8.Valid(frame) {
			return ControlMessage{}, fmt.Errorf("%w: frame %d", errspkg.ErrFrameNotText, i)
		}
		decoded[i] = string(frame)
	}

	msg := ControlMessage{
		Domain:     decoded[0],
		Command:    decoded[1],
		Identifier: decoded[2],
		Args:       decoded[3:],
	}
	if msg.Command == CommandDelayUntil {
		ts := math.NaN()
		if len(msg.Args) > 0 {
			ts = ParseTimestamp(msg.Args[0])
		}
		msg.Timestamp = &ts
	}
	return msg, nil
}

var numericPrefix = regexp.MustCompile(`^[+-]?(?:Infinity|(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?)`)

// ParseTimestamp reads the decimal number s starts with, ignoring leading
// whitespace and anything after the number. It returns NaN when s does not
// start with a number.
func ParseTimestamp(s string) float64 {
	prefix := numericPrefix.FindString(strings.TrimLeftFunc(s, unicode.IsSpace))
	if prefix == "" {
		return math.NaN()
	}
	// The prefix is always well formed; a range error still yields ±Inf or 0.
	v, _ := strconv.ParseFloat(prefix, 64)
	return v
}

// NewDelayUntil builds a DELAY_UNTIL directive for identifier.
func NewDelayUntil(domain, identifier string, until time.Time) ControlMessage {
	ts := TimeToSeconds(until)
	return ControlMessage{
		Domain:     domain,
		Command:    CommandDelayUntil,
		Identifier: identifier,
		Args:       []string{FormatTimestamp(ts)},
		Timestamp:  &ts,
	}
}

// FormatTimestamp renders a timestamp with the shortest decimal form, so
// 1000 is sent as "1000" and 17.5 as "17.5".
func FormatTimestamp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Millis returns t in whole milliseconds since the Unix epoch.
func Millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// TimeToSeconds returns t as decimal seconds since the Unix epoch.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// SecondsToTime converts decimal seconds since the Unix epoch into a time.
func SecondsToTime(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
