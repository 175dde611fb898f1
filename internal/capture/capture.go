// Package capture reads a step's output streams line by line and batches the
// lines into the active build's log history on a flush timer.
package capture

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"buildhook/internal/state"
	"buildhook/pkg/api"
)

// maxLineSize bounds a single log line; longer output lines are split.
const maxLineSize = 1 << 20

// Options configures one capture loop.
type Options struct {
	Step    int
	Stream  state.Stream
	Publish bool // send flushed batches on the build channel

	// Sentinel switches the loop into environment capture when a line ends
	// with it. Output before it on that line is still logged; everything
	// after it is parsed as KEY=VALUE and never logged.
	Sentinel    string
	ExtractEnvs []string

	// Bypass disables the termination check; hooks run to completion.
	Bypass bool
}

// Result summarizes a finished capture loop.
type Result struct {
	Lines      int
	Extracted  map[string]string
	Terminated bool
}

// Capturer runs capture loops against a shared build state.
type Capturer struct {
	state      *state.State
	flushEvery time.Duration
	logger     *slog.Logger
}

// New creates a Capturer flushing every flushEvery.
func New(st *state.State, flushEvery time.Duration, logger *slog.Logger) *Capturer {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Capturer{state: st, flushEvery: flushEvery, logger: logger}
}

// Run consumes r until EOF, termination or ctx cancellation. Buffered lines
// are always flushed before it returns.
func (c *Capturer) Run(ctx context.Context, r io.Reader, opts Options) Result {
	res := Result{Extracted: make(map[string]string)}

	done := make(chan struct{})
	defer close(done)

	lineChan := make(chan string, 100)
	go func() {
		defer close(lineChan)
		reader := bufio.NewReaderSize(r, maxLineSize)
		for {
			// Over-long lines come back in maxLineSize pieces, each logged
			// as its own line.
			line, _, err := reader.ReadLine()
			if err != nil {
				if err != io.EOF {
					c.logger.Warn("output stream read failed", "stream", opts.Stream, "step", opts.Step, "error", err)
					// Keep the pipe empty so the child cannot block on write.
					io.Copy(io.Discard, r)
				}
				return
			}
			select {
			case lineChan <- string(line):
			case <-done:
				return
			}
		}
	}()

	var batch []api.LogLine
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.state.AppendLogs(batch, opts.Publish)
		res.Lines += len(batch)
		batch = nil
	}

	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()

	inEnv := false
	for {
		select {
		case line, ok := <-lineChan:
			if !ok {
				flush()
				return res
			}
			if c.stopRequested(opts) {
				flush()
				res.Terminated = true
				return res
			}
			if inEnv {
				c.extract(line, opts.ExtractEnvs, res.Extracted)
				continue
			}
			if opts.Sentinel != "" {
				if prefix, ok := strings.CutSuffix(strings.TrimSpace(line), opts.Sentinel); ok {
					inEnv = true
					if prefix == "" {
						continue
					}
					line = prefix
				}
			}
			// Postgres rejects \x00 in archived records.
			line = strings.TrimSpace(strings.ReplaceAll(line, "\x00", ""))
			if line == "" {
				continue
			}
			batch = append(batch, api.LogLine{
				Timestamp: time.Now().UTC(),
				Stream:    string(opts.Stream),
				Step:      opts.Step,
				Message:   line,
			})
		case <-ticker.C:
			flush()
			if c.stopRequested(opts) {
				res.Terminated = true
				return res
			}
		case <-ctx.Done():
			flush()
			res.Terminated = true
			return res
		}
	}
}

func (c *Capturer) stopRequested(opts Options) bool {
	return !opts.Bypass && c.state.Terminated()
}

// extract records line when its key is declared. The value is written into
// the active build's payload immediately so later steps and the notifier
// see it.
func (c *Capturer) extract(line string, keys []string, into map[string]string) {
	key, value, ok := strings.Cut(line, "=")
	if !ok || !slices.Contains(keys, key) {
		return
	}
	into[key] = value
	c.state.UpdateActive(func(b *state.Build) {
		b.Payload[key] = value
	})
}
