package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Debug is a thread-safe binary logger device models write warnings and
// traces to. When no sink is open every write is a cheap no-op, so hot
// paths can log unconditionally.

// Each entry carries a timestamp, a source and a message. The on-disk
// format is:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - messageLength bytes message

type DebugKind uint16

const (
	DebugKindInvalid DebugKind = iota
	DebugKindBytes
	DebugKindString
)

type writer struct {
	mu sync.Mutex
	w  io.WriteCloser
}

var (
	sinkMu sync.Mutex
	sink   *writer
)

// OpenFile opens filename as the process-wide log sink, truncating any
// previous contents.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open installs w as the process-wide log sink.
func Open(w io.WriteCloser) error {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if sink != nil {
		return fmt.Errorf("debug: already open")
	}
	sink = &writer{w: w}
	return nil
}

// Close flushes and removes the current sink. Writes issued after Close
// are dropped.
func Close() error {
	sinkMu.Lock()
	w := sink
	sink = nil
	sinkMu.Unlock()
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Close()
}

func encodeHeader(kind DebugKind, source string, data []byte) []byte {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(time.Now().UnixNano()))
	return header
}

func writeBytes(kind DebugKind, source string, data []byte) {
	sinkMu.Lock()
	w := sink
	sinkMu.Unlock()
	if w == nil {
		return
	}

	header := encodeHeader(kind, source, data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(header); err != nil {
		panic(err)
	}
	if _, err := w.w.Write([]byte(source)); err != nil {
		panic(err)
	}
	if _, err := w.w.Write(data); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeBytes(DebugKindBytes, source, data)
}

func Write(source string, data string) {
	writeBytes(DebugKindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	writeBytes(DebugKindString, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) WriteBytes(data []byte) {
	writeBytes(DebugKindBytes, d.source, data)
}

func (d *debugImpl) Write(data string) {
	writeBytes(DebugKindString, d.source, []byte(data))
}

func (d *debugImpl) Writef(format string, args ...any) {
	writeBytes(DebugKindString, d.source, fmt.Appendf(nil, format, args...))
}

// WithSource returns a Debug handle that stamps every entry with source.
func WithSource(source string) Debug {
	return &debugImpl{source: source}
}

// EachEntry iterates over every entry in a log stream in write order.
func EachEntry(r io.Reader, fn func(ts time.Time, kind DebugKind, source string, data []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var header [16]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		kind := DebugKind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == DebugKindInvalid {
			return fmt.Errorf("debug: invalid entry header")
		}
		sourceLength := binary.LittleEndian.Uint16(header[2:4])
		dataLength := binary.LittleEndian.Uint32(header[4:8])
		ts := time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16])))

		source := make([]byte, sourceLength)
		if _, err := io.ReadFull(br, source); err != nil {
			return fmt.Errorf("debug: read source: %w", err)
		}
		data := make([]byte, dataLength)
		if _, err := io.ReadFull(br, data); err != nil {
			return fmt.Errorf("debug: read message: %w", err)
		}

		if err := fn(ts, kind, string(source), data); err != nil {
			return err
		}
	}
}

// EachEntryFile iterates over every entry of a log file in write order.
func EachEntryFile(filename string, fn func(ts time.Time, kind DebugKind, source string, data []byte) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return EachEntry(f, fn)
}
