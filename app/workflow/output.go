package workflow

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
)

const prefixMaxLen = 24

// outputTail keeps last N lines written to it, safe for concurrent writes
type outputTail struct {
	maxLines int
	lines    []string
	mu       sync.Mutex
}

func newOutputTail(maxLines int) *outputTail {
	return &outputTail{maxLines: maxLines}
}

// Write satisfies io.Writer, splits input by lines and drops the oldest ones over the limit
func (o *outputTail) Write(p []byte) (n int, err error) {
	if o.maxLines <= 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// String returns captured lines joined by new line
func (o *outputTail) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// logPrefixer adds prefix to each line written to the underlying writer
type logPrefixer struct {
	writer io.Writer
	prefix []byte
}

// newLogPrefixer makes prefixer with "{job/task} " prefix, job id shortened
func newLogPrefixer(writer io.Writer, jobID, task string) *logPrefixer {
	name := jobID
	if len(name) > 8 {
		name = name[:8]
	}
	name += "/" + task
	if len(name) > prefixMaxLen {
		name = name[:prefixMaxLen] + "..."
	}
	return &logPrefixer{writer: writer, prefix: []byte(fmt.Sprintf("{%s} ", name))}
}

func (p *logPrefixer) Write(data []byte) (int, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	written := 0
	for {
		line, err := reader.ReadBytes('\n')
		// line may have data even with io.EOF
		if err != nil && err != io.EOF {
			return written, err
		}
		if len(line) > 0 {
			if _, werr := p.writer.Write(p.prefix); werr != nil {
				return written, werr
			}
			n, werr := p.writer.Write(line)
			written += n
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			break
		}
	}
	return written, nil
}
