// Package detection parses the sensor's result records into detection
// snapshots.
//
// A record looks like
//
//	<ignored prefix>{name1:payload1;name2:payload2;...;}
//
// where each payload is either a position "(x,y)=angle°" style tuple with an
// optional confidence percentage, or contains "#ERR" when the tool did not
// find the object in this acquisition.
package detection

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/vision-bridge/internal/timeutil"
)

// errMarker flags an entry whose tool failed this acquisition.
const errMarker = "#ERR"

// payloadDelims separate the numeric fields of an entry payload.
const payloadDelims = "(),=°\r\n"

// ParseError reports a record that could not be turned into a snapshot.
type ParseError struct {
	Record string
	Entry  string // offending entry, empty when the record itself is malformed
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Entry != "" {
		return fmt.Sprintf("parse record: entry %q: %s", e.Entry, msg)
	}
	return fmt.Sprintf("parse record %q: %s", e.Record, msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser converts records into snapshots and numbers them. It is used from
// the link's reader goroutine only; Seq may be read from anywhere.
type Parser struct {
	device DeviceInfo
	clock  timeutil.Clock
	seq    atomic.Uint64
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithClock sets the clock used to timestamp batches.
func WithClock(c timeutil.Clock) ParserOption {
	return func(p *Parser) {
		p.clock = c
	}
}

// NewParser returns a Parser that stamps every batch with device.
func NewParser(device DeviceInfo, opts ...ParserOption) *Parser {
	p := &Parser{
		device: device,
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seq returns the sequence number the next successful parse will carry.
func (p *Parser) Seq() uint64 {
	return p.seq.Load()
}

// Parse converts one complete record into a structured batch and the flat
// per-name set. Both describe exactly the same objects. Entries marked #ERR
// are left out of both. Any malformed entry fails the whole record with a
// *ParseError, and a failed parse does not consume a sequence number.
func (p *Parser) Parse(record string) (RecognizedObjects, Set, error) {
	entries, err := splitEntries(record)
	if err != nil {
		return RecognizedObjects{}, nil, err
	}

	objects := make([]RecognizedObject, 0, len(entries))
	set := make(Set, len(entries))
	index := make(map[string]int, len(entries))

	for _, entry := range entries {
		name, payload, ok := strings.Cut(entry, ":")
		if !ok {
			return RecognizedObjects{}, nil, &ParseError{Record: record, Entry: entry, Reason: "missing ':' separator"}
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return RecognizedObjects{}, nil, &ParseError{Record: record, Entry: entry, Reason: "empty object name"}
		}
		if strings.Contains(payload, errMarker) {
			continue
		}

		obj, err := parsePayload(name, payload)
		if err != nil {
			err.Record = record
			err.Entry = entry
			return RecognizedObjects{}, nil, err
		}

		recognized := RecognizedObject{
			Name:       obj.Name,
			Pose:       PoseWithCovariance{Pose: PlanarPose(obj.X, obj.Y, obj.Angle*math.Pi/180)},
			Confidence: obj.Confidence,
		}
		// a repeated name replaces the earlier entry in both views
		if i, seen := index[name]; seen {
			objects[i] = recognized
		} else {
			index[name] = len(objects)
			objects = append(objects, recognized)
		}
		set[name] = obj
	}

	batch := RecognizedObjects{
		Header: Header{
			Seq:       p.seq.Add(1) - 1,
			Timestamp: p.clock.Now(),
			Device:    p.device,
		},
		Objects: objects,
	}
	return batch, set, nil
}

// splitEntries strips the prefix and the closing brace and returns the
// non-blank entries of the record.
func splitEntries(record string) ([]string, error) {
	start := strings.IndexByte(record, '{')
	if start < 0 {
		return nil, &ParseError{Record: record, Reason: "no '{' found"}
	}
	body := record[start+1:]
	if end := strings.IndexByte(body, '}'); end >= 0 {
		body = body[:end]
	}

	var entries []string
	for _, e := range strings.Split(body, ";") {
		if strings.TrimSpace(e) != "" {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// parsePayload reads "[x_mm, y_mm, angle_deg, (confidence_pct)]".
func parsePayload(name, payload string) (DetectedObject, *ParseError) {
	tokens := tokenize(payload)
	if len(tokens) < 3 {
		return DetectedObject{}, &ParseError{Reason: fmt.Sprintf("expected at least 3 numeric fields, got %d", len(tokens))}
	}

	values := make([]float64, 0, len(tokens))
	for _, tok := range tokens {
		// the sensor prints plain decimals; hex floats are not valid here
		if strings.ContainsAny(tok, "xX") {
			return DetectedObject{}, &ParseError{Reason: fmt.Sprintf("invalid numeric field %q", tok), Err: strconv.ErrSyntax}
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return DetectedObject{}, &ParseError{Reason: fmt.Sprintf("invalid numeric field %q", tok), Err: err}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return DetectedObject{}, &ParseError{Reason: fmt.Sprintf("non-finite numeric field %q", tok)}
		}
		values = append(values, v)
	}

	confidence := 1.0
	if len(values) > 3 {
		if values[3] < 0 || values[3] > 100 {
			return DetectedObject{}, &ParseError{Reason: fmt.Sprintf("confidence %g%% outside 0-100", values[3])}
		}
		confidence = values[3] / 100
	}

	return DetectedObject{
		Name:       name,
		X:          values[0] / 1000,
		Y:          values[1] / 1000,
		Angle:      values[2],
		Confidence: confidence,
		Detected:   true,
	}, nil
}

func tokenize(payload string) []string {
	fields := strings.FieldsFunc(payload, func(r rune) bool {
		return strings.ContainsRune(payloadDelims, r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
