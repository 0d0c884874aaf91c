package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// segment is a run of consecutive writes to the same stream. Keeping
// stdout and stderr in one ordered queue preserves interleaving across
// streams inside a batch window.
type segment struct {
	name model.StreamName
	text strings.Builder
}

// capture coalesces console writes and flushes them in batch windows so a
// chatty loop produces a few large frames instead of thousands of tiny ones.
type capture struct {
	mu         sync.Mutex
	batch      time.Duration
	segments   []*segment
	timer      *time.Timer
	suppressed bool
	emit       func(name model.StreamName, text string)
}

func newCapture(batch time.Duration, emit func(model.StreamName, string)) *capture {
	if batch < time.Millisecond {
		batch = time.Millisecond
	}
	if batch > 250*time.Millisecond {
		batch = 250 * time.Millisecond
	}
	return &capture{batch: batch, emit: emit}
}

// Write queues text for the given stream and arms the flush timer if this
// is the first write of a new window.
func (c *capture) Write(name model.StreamName, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suppressed {
		return
	}
	if n := len(c.segments); n > 0 && c.segments[n-1].name == name {
		c.segments[n-1].text.WriteString(text)
	} else {
		seg := &segment{name: name}
		seg.text.WriteString(text)
		c.segments = append(c.segments, seg)
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.batch, c.Flush)
	}
}

// Flush emits every queued segment in write order. It is called by the
// batch timer, before display payloads to keep stream/display ordering,
// and once more at job end.
func (c *capture) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *capture) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.suppressed {
		c.segments = c.segments[:0]
		return
	}
	for _, seg := range c.segments {
		c.emit(seg.name, seg.text.String())
	}
	c.segments = c.segments[:0]
}

// Suppress drops queued output and blocks any further emission. Set when
// the job is cancelled so no frames trail the host's terminal event.
func (c *capture) Suppress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.segments = c.segments[:0]
}

// Reset rearms the capture for the next job.
func (c *capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.segments = c.segments[:0]
	c.suppressed = false
}
