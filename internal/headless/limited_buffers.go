package headless

import (
	"bytes"
	"io"
	"sync"
)

// combinedLimitedBuffers captures stdout and stderr under one shared byte
// budget. Writes past the budget are dropped but reported as successful so
// the child never blocks on a full pipe.
type combinedLimitedBuffers struct {
	max int

	mu        sync.Mutex
	used      int
	truncated bool

	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newCombinedLimitedBuffers(max int) *combinedLimitedBuffers {
	if max <= 0 {
		max = 1
	}
	return &combinedLimitedBuffers{max: max}
}

func (b *combinedLimitedBuffers) Stdout() io.Writer { return limitedWriter{b: b, dst: &b.stdout} }
func (b *combinedLimitedBuffers) Stderr() io.Writer { return limitedWriter{b: b, dst: &b.stderr} }

func (b *combinedLimitedBuffers) Result() (stdout, stderr string, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdout.String(), b.stderr.String(), b.truncated
}

type limitedWriter struct {
	b   *combinedLimitedBuffers
	dst *bytes.Buffer
}

func (w limitedWriter) Write(p []byte) (int, error) {
	if w.b == nil || len(p) == 0 {
		return len(p), nil
	}

	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	if w.b.used >= w.b.max {
		w.b.truncated = true
		return len(p), nil
	}
	n := len(p)
	if remain := w.b.max - w.b.used; n > remain {
		n = remain
		w.b.truncated = true
	}
	_, _ = w.dst.Write(p[:n])
	w.b.used += n
	return len(p), nil
}
