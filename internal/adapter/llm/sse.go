package llm

import (
	"bytes"
	"strings"
)

// sseDecoder splits a byte stream into lines. A line cut by a read boundary
// is carried over until its terminator arrives.
type sseDecoder struct {
	carry []byte
}

// Feed appends p and returns every complete line, without terminators.
func (d *sseDecoder) Feed(p []byte) []string {
	d.carry = append(d.carry, p...)
	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(d.carry[start:], '\n')
		if i < 0 {
			break
		}
		line := d.carry[start : start+i]
		lines = append(lines, string(bytes.TrimSuffix(line, []byte("\r"))))
		start += i + 1
	}
	if start > 0 {
		d.carry = append(d.carry[:0], d.carry[start:]...)
	}
	return lines
}

// Flush returns the unterminated remainder at end of stream.
func (d *sseDecoder) Flush() (string, bool) {
	if len(d.carry) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(d.carry, []byte("\r")))
	d.carry = d.carry[:0]
	return line, true
}

// dataPayload extracts the payload of an SSE "data:" line.
func dataPayload(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
