package engine

import (
	"fmt"

	"github.com/skiplabs/skfs/internal/value"
)

// Dep records one dependency-recording read: the cell that was read and its
// write time at the moment of the read.
type Dep struct {
	Path value.Path
	Time value.Time
}

// readerFrame collects the dependencies of one mapper run or one lazy
// compute. A frame is pushed when the run begins and popped when it ends;
// every dependency-recording read in between appends to it.
type readerFrame struct {
	reader value.Path
	deps   []Dep
}

// pushFrame starts collecting dependencies for a reader path.
func (c *Context) pushFrame(reader value.Path) {
	c.frames = append(c.frames, &readerFrame{reader: reader})
}

// popFrame ends the current frame and returns its collected dependencies.
func (c *Context) popFrame() []Dep {
	n := len(c.frames)
	f := c.frames[n-1]
	c.frames = c.frames[:n-1]
	return f.deps
}

// currentReader returns the reader path of the innermost frame, if any.
// Dependency-recording reads outside any frame degrade to raw reads.
func (c *Context) currentReader() (value.Path, bool) {
	if len(c.frames) == 0 {
		return value.Path{}, false
	}
	return c.frames[len(c.frames)-1].reader, true
}

// recordRead appends a dependency to the innermost frame. No-op outside a
// frame.
func (c *Context) recordRead(d Dep) {
	if len(c.frames) == 0 {
		return
	}
	f := c.frames[len(c.frames)-1]
	f.deps = append(f.deps, d)
}

// runFrame executes fn inside a fresh reader frame, converting panics at the
// frame boundary into captured compute failures. It returns the collected
// dependencies.
//
// This is the frame boundary of the failure model: a long-running or broken
// mapper aborts its own recomputation only; the engine records the failure
// against the producing path and continues.
func (c *Context) runFrame(reader value.Path, fn func() error) (deps []Dep, err error) {
	c.pushFrame(reader)
	defer func() {
		deps = c.popFrame()
		if r := recover(); r != nil {
			c.Stats.Failures++
			err = NewComputeError(reader, fmt.Errorf("panic: %v", r))
		}
	}()
	if fnErr := fn(); fnErr != nil {
		c.Stats.Failures++
		return nil, NewComputeError(reader, fnErr)
	}
	return nil, nil
}
