package push

import (
	"bufio"
	"io"
	"strings"
)

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 1 << 20

// frame is one dispatched server-sent event.
type frame struct {
	event string
	data  string
	id    string
}

// readFrames parses an SSE stream and hands every complete frame to emit.
// It stops early when emit returns false and returns nil at end of stream.
func readFrames(r io.Reader, emit func(frame) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var (
		f    frame
		data []string
		has  bool
	)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if has {
				f.data = strings.Join(data, "\n")
				if !emit(f) {
					return nil
				}
			}
			f, data, has = frame{}, nil, false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.event = value
			has = true
		case "data":
			data = append(data, value)
			has = true
		case "id":
			f.id = value
		}
	}
	return sc.Err()
}
