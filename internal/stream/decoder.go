package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated is reported by Decoder.Err when the stream ended without a
// done event. Partial content up to that point is still valid; the message
// store uses this to mark the in-progress message as errored instead of
// leaving it streaming forever.
var ErrTruncated = errors.New("stream truncated: ended without done event")

// ErrNoStart is reported by Decoder.Err when the stream carried lines but
// never a valid start event.
var ErrNoStart = errors.New("stream ended without a valid start event")

// ProtocolError describes a single malformed or out-of-order line. It is
// returned from Next without aborting the stream; the following call resumes
// with the next line.
type ProtocolError struct {
	Line  int // 1-based line number in the stream
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on line %d: %v", e.Line, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Decoder reads an NDJSON event stream and yields typed events one at a time.
// It is purely syntactic plus minimal ordering bookkeeping: corrupt lines are
// reported and skipped, ping liveness events are filtered, and termination
// without a done event is distinguished from per-line protocol errors.
type Decoder struct {
	sc        *bufio.Scanner
	line      int
	requestID string
	started   bool
	terminal  bool
	doneSeen  bool
	stopped   bool
	pings     int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	// Tool results can carry very long lines (e.g. base64 screenshots).
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	return &Decoder{sc: sc}
}

// Next returns the next application-level event. It returns a *ProtocolError
// for a malformed or out-of-order line (decoding continues on the next call)
// and io.EOF once the underlying stream is exhausted or Stop was called.
// Ping events are counted but never returned.
func (d *Decoder) Next() (*Event, error) {
	for d.sc.Scan() {
		d.line++
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if d.stopped {
			// Keep draining so the inbound connection is not leaked, but
			// yield nothing further.
			continue
		}
		ev := &Event{}
		if err := ev.UnmarshalJSON(line); err != nil {
			return nil, &ProtocolError{Line: d.line, Cause: err}
		}
		if ev.Type == TypePing {
			d.pings++
			continue
		}
		if err := d.check(ev); err != nil {
			return nil, &ProtocolError{Line: d.line, Cause: err}
		}
		return ev, nil
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// check enforces the per-request ordering invariants.
func (d *Decoder) check(ev *Event) error {
	if d.doneSeen {
		return fmt.Errorf("event %q after done", ev.Type)
	}
	switch ev.Type {
	case TypeStart:
		if d.started {
			return errors.New("duplicate start event")
		}
		d.started = true
		d.requestID = ev.RequestID
		return nil
	case TypeDone:
		d.doneSeen = true
	default:
		if !d.started {
			return fmt.Errorf("event %q before start", ev.Type)
		}
	}
	if d.requestID != "" && ev.RequestID != "" && ev.RequestID != d.requestID {
		return fmt.Errorf("requestId %q does not match stream requestId %q", ev.RequestID, d.requestID)
	}
	if ev.Terminal() {
		if d.terminal {
			return fmt.Errorf("second terminal event %q", ev.Type)
		}
		d.terminal = true
	}
	return nil
}

// Stop makes subsequent Next calls drain the remaining lines without
// yielding events, then return io.EOF. Used for the user "stop" action.
func (d *Decoder) Stop() { d.stopped = true }

// Err reports the terminal condition after Next returned io.EOF: nil when a
// done event closed the stream, ErrNoStart when lines arrived but no valid
// start was ever observed, and ErrTruncated otherwise. After Stop it always
// returns nil; the caller asked for the early end.
func (d *Decoder) Err() error {
	if d.doneSeen || d.stopped {
		return nil
	}
	if !d.started && d.line > 0 {
		return ErrNoStart
	}
	return ErrTruncated
}

// Pings returns the number of ping liveness events filtered from the stream.
func (d *Decoder) Pings() int { return d.pings }

// RequestID returns the requestId observed on the start event, or "".
func (d *Decoder) RequestID() string { return d.requestID }
