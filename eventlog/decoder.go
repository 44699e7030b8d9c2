package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-launch/coordinator"
)

// Format selects how stream lines are interpreted
type Format string

const (
	// FormatLifecycle lines are Records
	FormatLifecycle Format = "lifecycle"
	// FormatGoTest lines are `go test -json` events
	FormatGoTest Format = "gotest"
)

// maxLineSize bounds a single line; failure details can carry long stack traces
const maxLineSize = 8 * 1024 * 1024

// ParseFormat validates a format name
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatLifecycle, FormatGoTest:
		return Format(name), nil
	case "":
		return FormatLifecycle, nil
	default:
		return "", fmt.Errorf("unknown stream format %q", name)
	}
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

func WithFormat(format Format) DecoderOption {
	return func(d *Decoder) {
		d.format = format
	}
}

func WithLogger(logger log.Logger) DecoderOption {
	return func(d *Decoder) {
		d.log = logger
	}
}

// Decoder reads events from a line-oriented stream
type Decoder struct {
	log     log.Logger
	format  Format
	scanner *bufio.Scanner
	line    int

	gotest  *GoTestAdapter
	pending []coordinator.Event
	done    bool
}

func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		log:     log.Root(),
		format:  FormatLifecycle,
		scanner: bufio.NewScanner(r),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if d.format == FormatGoTest {
		d.gotest = NewGoTestAdapter()
	}
	return d
}

// Line is the number of the last line read
func (d *Decoder) Line() int {
	return d.line
}

// Next returns the next event, or io.EOF once the stream is exhausted.
// Blank lines are skipped. In gotest mode lines that are not JSON, such as
// build output, are skipped too.
func (d *Decoder) Next() (coordinator.Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}
		if d.done {
			return nil, io.EOF
		}
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading line %d: %w", d.line+1, err)
			}
			d.done = true
			if d.gotest != nil {
				d.pending = d.gotest.Flush()
			}
			continue
		}
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if d.gotest != nil {
			var ev GoTestEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				d.log.Debug("Skipping non-JSON line", "line", d.line)
				continue
			}
			d.pending = d.gotest.Translate(ev)
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		ev, err := rec.Event()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		return ev, nil
	}
}

// Encoder writes events as Records, one per line. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Encode(ev coordinator.Event) error {
	rec, err := NewRecord(ev)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(rec)
}
