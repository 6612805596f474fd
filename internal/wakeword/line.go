package wakeword

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// LineRecognizer treats every line read from r as a final transcript with
// full confidence. It stands in for a platform speech API on a terminal.
type LineRecognizer struct {
	r          io.Reader
	confidence float64

	once  sync.Once
	lines chan string

	mu     sync.Mutex
	closed bool
}

// NewLineRecognizer reads transcripts from r.
func NewLineRecognizer(r io.Reader) *LineRecognizer {
	return &LineRecognizer{r: r, confidence: 1, lines: make(chan string)}
}

// Available reports false once the reader is exhausted.
func (l *LineRecognizer) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed && l.r != nil
}

func (l *LineRecognizer) start() {
	go func() {
		scanner := bufio.NewScanner(l.r)
		for scanner.Scan() {
			l.lines <- scanner.Text()
		}
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.lines)
	}()
}

// Listen delivers lines until ctx is done or the reader ends.
func (l *LineRecognizer) Listen(ctx context.Context, onResult func(Result)) error {
	l.once.Do(l.start)
	for {
		select {
		case line, ok := <-l.lines:
			if !ok {
				return ErrInputClosed
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			onResult(Result{Transcript: line, Confidence: l.confidence, Final: true})
		case <-ctx.Done():
			return ErrAborted
		}
	}
}
