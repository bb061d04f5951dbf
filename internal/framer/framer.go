// Package framer turns the raw byte chunks read from the sensor stream into
// complete, line-terminated records.
//
// The sensor emits one self-contained snapshot per line. Reads off the socket
// do not respect line boundaries, so a record may be split across reads and a
// single read may carry several records. The Framer keeps the trailing partial
// record between reads and hands back only complete ones.
package framer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

// MaxPending is the largest partial record held over between reads. A stream
// that never produces a line ending is discarded rather than buffered forever.
const MaxPending = 64 * 1024

// Policy selects which complete records of a single read are passed on.
type Policy int

const (
	// PolicyLatest passes only the newest complete record of a read. Each
	// record is a full snapshot, so older records in the same burst are stale.
	PolicyLatest Policy = iota
	// PolicyAll passes every complete record, oldest first.
	PolicyAll
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyLatest:
		return "latest"
	case PolicyAll:
		return "all"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration value into a Policy. The empty string
// selects PolicyLatest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest":
		return PolicyLatest, nil
	case "all":
		return PolicyAll, nil
	default:
		return PolicyLatest, fmt.Errorf("unknown frame policy %q: expected latest or all", s)
	}
}

// Select applies the policy to the records produced by one read.
func Select(p Policy, records []string) []string {
	if p == PolicyLatest && len(records) > 1 {
		return records[len(records)-1:]
	}
	return records
}

// Split joins partial and chunk and splits the result on line endings (\n, \r
// or \r\n). Complete records are trimmed of surrounding whitespace; records
// that are empty after trimming are dropped. The unterminated tail is returned
// as rest and should be passed back as partial on the next call.
func Split(partial, chunk []byte) (records []string, rest []byte) {
	data := make([]byte, 0, len(partial)+len(chunk))
	data = append(data, partial...)
	data = append(data, chunk...)

	for {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		if rec := strings.TrimSpace(string(data[:i])); rec != "" {
			records = append(records, rec)
		}
		data = data[i+1:]
	}

	if len(data) == 0 {
		return records, nil
	}
	return records, data
}

// Framer accumulates chunks across reads. It is not safe for concurrent use;
// the link's single reader goroutine owns it.
type Framer struct {
	pending []byte
}

// New returns an empty Framer.
func New() *Framer {
	return &Framer{}
}

// Feed adds a chunk and returns the records it completed, oldest first.
func (f *Framer) Feed(chunk []byte) []string {
	records, rest := Split(f.pending, chunk)
	if len(rest) > MaxPending {
		monitoring.Warnf("[framer] discarding %d bytes without a line ending", len(rest))
		rest = nil
	}
	f.pending = rest
	return records
}

// Reset drops any held-over partial record. It is called whenever a new
// connection is established, since a fragment from a dead link can never be
// completed.
func (f *Framer) Reset() {
	f.pending = nil
}

// Pending reports the number of bytes held over for the next read.
func (f *Framer) Pending() int {
	return len(f.pending)
}
