package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// maxMessageSize bounds a single framed body. A Content-Length beyond this
// is treated as a framing failure rather than an allocation request.
const maxMessageSize = 64 * 1024 * 1024

// Framer encodes and decodes base-protocol messages over a byte stream:
// Content-Length headers followed by a JSON body. Reads are sequential
// (single reader loop per connection); writes are serialized so two
// concurrent messages never interleave on the wire.
type Framer struct {
	reader *bufio.Reader

	wmu    sync.Mutex
	writer io.Writer
}

// NewFramer creates a framer over the given streams.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
	}
}

// ReadMessage reads one complete framed message body.
// It returns io.EOF when the stream ends cleanly between messages and a
// *FramingError for malformed headers or truncated bodies.
func (f *Framer) ReadMessage() (json.RawMessage, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := f.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && line == "" {
				return nil, io.EOF
			}
			return nil, &FramingError{Reason: "reading header", Err: err}
		}
		sawHeader = true

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &FramingError{Reason: "invalid Content-Length", Err: err}
			}
			contentLength = n
		}
		// Content-Type and any other headers are ignored.
	}

	if contentLength < 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}
	if contentLength > maxMessageSize {
		return nil, &FramingError{Reason: fmt.Sprintf("message of %d bytes exceeds limit", contentLength)}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		return nil, &FramingError{Reason: "truncated body", Err: err}
	}

	return body, nil
}

// WriteMessage frames and writes one message body. The header and body go
// out in a single Write call under the write lock, so concurrent senders
// cannot interleave.
func (f *Framer) WriteMessage(body []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))

	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if _, err := f.writer.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
