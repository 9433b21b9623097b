package realtime

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// DefaultBufferLimit bounds how much unparsable text is held while waiting
// for the rest of a fragmented message, and the size of a single event
const DefaultBufferLimit = 100_000

var errBufferOverflow = errors.New("fragment buffer exceeded limit without valid JSON")

var errEventTooLarge = errors.New("event exceeded size limit")

// eventReader splits a Server-Sent-Events body into event payloads
type eventReader struct {
	r     *bufio.Reader
	limit int
}

// newEventReader fails any single event whose raw lines exceed limit bytes
func newEventReader(r io.Reader, limit int) *eventReader {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &eventReader{r: bufio.NewReader(r), limit: limit}
}

// Next returns the data of the next event, joining multi-line data fields.
// Other fields and comments are ignored.
func (e *eventReader) Next() (string, error) {
	var data []string
	used := 0
	for {
		raw, err := e.readLine(e.limit - used)
		if errors.Is(err, errEventTooLarge) {
			return "", err
		}
		used += len(raw)
		line := strings.TrimRight(raw, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// the budget covers an event from its first data line
		if len(data) == 0 {
			used = 0
		}

		if err != nil {
			if len(data) > 0 && errors.Is(err, io.EOF) {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}
	}
}

// readLine reads through the next newline, giving up past budget bytes
func (e *eventReader) readLine(budget int) (string, error) {
	var line []byte
	for {
		frag, err := e.r.ReadSlice('\n')
		if len(line)+len(frag) > budget {
			return "", errEventTooLarge
		}
		line = append(line, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}

// fragmentBuffer accumulates text until it forms one complete JSON value
type fragmentBuffer struct {
	buf   strings.Builder
	limit int
}

func newFragmentBuffer(limit int) *fragmentBuffer {
	return &fragmentBuffer{limit: limit}
}

// Push appends chunk and returns the buffered message once it parses.
// Overflowing the limit discards the buffer.
func (f *fragmentBuffer) Push(chunk string) (json.RawMessage, bool, error) {
	f.buf.WriteString(chunk)
	text := f.buf.String()

	if json.Valid([]byte(text)) {
		f.buf.Reset()
		return json.RawMessage(text), true, nil
	}

	if f.buf.Len() > f.limit {
		f.buf.Reset()
		return nil, false, errBufferOverflow
	}

	return nil, false, nil
}

func (f *fragmentBuffer) Len() int {
	return f.buf.Len()
}
