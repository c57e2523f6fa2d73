// Package protocol implements the worker→host transport: a line-oriented
// stdout stream carrying progress records and the completion marker, plus a
// file in the worker's working directory carrying the response envelope.
//
// Stream grammar, one statement per line:
//
//	progress-<json progress record>
//	...
//	response-ready
//	<absolute path of the envelope file>
//
// Any other line is worker log output.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

const (
	// ProgressPrefix starts every progress line.
	ProgressPrefix = "progress-"

	// ResponseReady is the completion marker. The next line is the envelope path.
	ResponseReady = "response-ready"

	// ResponseFileName is the envelope file written inside the worker's working directory.
	ResponseFileName = "kiln_response.json"

	// MaxLineSize bounds a single stream line.
	MaxLineSize = 1 << 20

	// MaxEnvelopeSize bounds the envelope file read by the host (256 MiB).
	MaxEnvelopeSize = 256 << 20
)

var (
	// ErrResponseSent is returned when writing to a stream that already carried response-ready.
	ErrResponseSent = errors.New("response already sent")

	// ErrMalformedLine is returned for protocol lines that cannot be decoded.
	ErrMalformedLine = errors.New("malformed protocol line")
)

// Writer emits protocol lines on the worker side. Every line is flushed
// before the call returns. It is safe for concurrent use; lines never
// interleave.
type Writer struct {
	mu   sync.Mutex
	w    *bufio.Writer
	sent bool
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Progress writes one progress line.
func (w *Writer) Progress(p model.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent {
		return ErrResponseSent
	}
	return w.writeLine(ProgressPrefix + string(data))
}

// ResponseReady writes the completion marker followed by path. The envelope
// file must be fully written before this is called. After it returns, the
// Writer refuses further output.
func (w *Writer) ResponseReady(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent {
		return ErrResponseSent
	}
	w.sent = true
	if err := w.writeLine(ResponseReady); err != nil {
		return err
	}
	return w.writeLine(path)
}

func (w *Writer) writeLine(line string) error {
	if _, err := w.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("flush line: %w", err)
	}
	return nil
}

// WriteEnvelopeFile serializes env into ResponseFileName inside dir and
// returns the file's absolute path. The file is written under a temporary
// name and renamed, so readers never observe a partial envelope.
func WriteEnvelopeFile(dir string, env *model.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve dir: %w", err)
	}
	path := filepath.Join(absDir, ResponseFileName)

	tmp, err := os.CreateTemp(absDir, ResponseFileName+".*")
	if err != nil {
		return "", fmt.Errorf("create envelope file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write envelope file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sync envelope file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close envelope file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename envelope file: %w", err)
	}
	return path, nil
}

// ReadEnvelopeFile reads and decodes the envelope at path.
func ReadEnvelopeFile(path string) (*model.Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open envelope file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxEnvelopeSize+1))
	if err != nil {
		return nil, fmt.Errorf("read envelope file: %w", err)
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope file exceeds maximum %d bytes", MaxEnvelopeSize)
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope file: %w", err)
	}
	return &env, nil
}

// EventType identifies what a stream line carried.
type EventType int

// Stream event types.
const (
	EventLog EventType = iota
	EventProgress
	EventResponse
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventResponse:
		return "response"
	default:
		return "log"
	}
}

// Event is one decoded unit of the worker stream.
type Event struct {
	Type     EventType
	Progress model.Progress // EventProgress
	Path     string         // EventResponse
	Line     string         // EventLog

	// Truncated is set on log lines cut at MaxLineSize.
	Truncated bool
}

// LineReader splits a stream into lines. Lines longer than MaxLineSize are
// cut and the remainder discarded, so one oversized line never stalls or
// ends the stream.
type LineReader struct {
	br *bufio.Reader
}

// NewLineReader returns a LineReader consuming r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{br: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its terminator. truncated reports
// that the line was cut at MaxLineSize. A final line with no newline is
// returned normally; the call after it yields io.EOF.
func (l *LineReader) ReadLine() (line string, truncated bool, err error) {
	var buf []byte
	for {
		frag, err := l.br.ReadSlice('\n')
		more := errors.Is(err, bufio.ErrBufferFull)
		switch {
		case err == nil:
			frag = frag[:len(frag)-1]
		case more:
		case errors.Is(err, io.EOF) && (len(buf) > 0 || len(frag) > 0 || truncated):
		default:
			return "", false, err
		}

		if room := MaxLineSize - len(buf); len(frag) > room {
			frag = frag[:room]
			truncated = true
		}
		buf = append(buf, frag...)
		if !more {
			return strings.TrimRight(string(buf), "\r"), truncated, nil
		}
	}
}

// Reader decodes the worker stream on the host side. A Reader is used by a
// single goroutine.
type Reader struct {
	lr *LineReader
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader) *Reader {
	return &Reader{lr: NewLineReader(r)}
}

// Next returns the next event. It returns io.EOF when the stream ends.
// A response-ready marker consumes the following line as the envelope path;
// a stream ending between the two yields io.ErrUnexpectedEOF. Malformed or
// oversized progress lines yield an error wrapping ErrMalformedLine; the
// Reader stays usable afterwards. Oversized log lines are returned cut.
func (r *Reader) Next() (Event, error) {
	line, truncated, err := r.lr.ReadLine()
	if err != nil {
		return Event{}, r.streamErr(err)
	}

	switch {
	case strings.HasPrefix(line, ProgressPrefix):
		if truncated {
			return Event{}, fmt.Errorf("%w: progress line exceeds %d bytes", ErrMalformedLine, MaxLineSize)
		}
		p, err := ParseProgress(line)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EventProgress, Progress: p}, nil
	case line == ResponseReady:
		raw, truncated, err := r.lr.ReadLine()
		if errors.Is(err, io.EOF) {
			return Event{}, fmt.Errorf("read envelope path: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return Event{}, r.streamErr(err)
		}
		path := strings.TrimSpace(raw)
		if path == "" || truncated {
			return Event{}, fmt.Errorf("%w: bad envelope path", ErrMalformedLine)
		}
		return Event{Type: EventResponse, Path: path}, nil
	default:
		return Event{Type: EventLog, Line: line, Truncated: truncated}, nil
	}
}

func (r *Reader) streamErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("read stream: %w", err)
}

// ParseProgress decodes a single progress line.
func ParseProgress(line string) (model.Progress, error) {
	var p model.Progress
	raw, ok := strings.CutPrefix(line, ProgressPrefix)
	if !ok {
		return p, fmt.Errorf("%w: missing %q prefix", ErrMalformedLine, ProgressPrefix)
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	return p, nil
}
