package mcp

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// eventDecoder reads the data payloads of a Server-Sent Events stream.
// Multi-line data fields are joined with newlines. Other fields and
// comments are ignored.
type eventDecoder struct {
	r   *bufio.Reader
	buf bytes.Buffer
	err error
}

func newEventDecoder(r io.Reader) *eventDecoder {
	return &eventDecoder{r: bufio.NewReader(r)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on a read error.
func (d *eventDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	d.buf.Reset()

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			d.err = err
			// A final event may lack its blank terminator line.
			if err == io.EOF {
				if strings.HasPrefix(line, "data:") {
					d.appendData(line)
				}
				return d.buf.Len() > 0
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if d.buf.Len() == 0 {
				continue
			}
			return true
		}
		if strings.HasPrefix(line, "data:") {
			d.appendData(line)
		}
	}
}

func (d *eventDecoder) appendData(line string) {
	v := strings.TrimPrefix(strings.TrimRight(line, "\r\n"), "data:")
	v = strings.TrimPrefix(v, " ")
	if d.buf.Len() > 0 {
		d.buf.WriteByte('\n')
	}
	d.buf.WriteString(v)
}

// Data returns the payload of the current event.
func (d *eventDecoder) Data() []byte {
	return d.buf.Bytes()
}

// Err returns the read error that ended the stream, if it was not EOF.
func (d *eventDecoder) Err() error {
	if d.err == io.EOF {
		return nil
	}
	return d.err
}
