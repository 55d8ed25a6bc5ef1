package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// MaxLineSize bounds a single stream line.
const MaxLineSize = 4 << 20

// ReadSSE frames r into RawEvents. "event:" sets the marker for the next
// payload; "data:" lines accumulate until a blank line. fn errors stop the read.
func ReadSSE(r io.Reader, fn func(RawEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	var (
		marker string
		data   bytes.Buffer
		have   bool
		seq    int
	)
	flush := func() error {
		if !have {
			marker = ""
			return nil
		}
		ev := RawEvent{Seq: seq, Marker: marker, Data: append([]byte(nil), data.Bytes()...)}
		seq++
		data.Reset()
		have = false
		marker = ""
		return fn(ev)
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			marker = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if have {
				data.WriteByte('\n')
			}
			data.WriteString(payload)
			have = true
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return flush()
}
