package engine

import (
	"fmt"

	"github.com/skiplabs/skfs/internal/value"
)

// Update drains the dirty-reader set: it repeatedly pops the smallest-
// ordered dirty path and recomputes it, until the set is empty.
//
// Recomputation discovered during the drain joins the same set, so one call
// reaches the fixed point for the writes applied since the previous call.
// Termination is guaranteed because the DAG of eager derivations is acyclic
// and lazy recomputations are bounded by the number of distinct (path, time)
// pairs; the step quota is a backstop against broken reducers.
//
// Failed recomputations keep their previous value, are logged, and are
// re-queued for the next Update call, so recovery is per-entry.
func (c *Context) Update() error {
	steps := 0
	var failed []value.Path

	for {
		p, ok := c.popSmallestDirty()
		if !ok {
			break
		}
		steps++
		if steps > c.maxSteps {
			return &RuntimeError{
				Code:    ErrCodeStepsExceeded,
				Message: fmt.Sprintf("update drain exceeded max steps (%d)", c.maxSteps),
				Path:    p,
			}
		}

		if err := c.recompute(p); err != nil {
			if IsComputeError(err) {
				c.logger.Warn("recomputation failed, stale value kept",
					"path", p.String(), "error", err)
				failed = append(failed, p)
				continue
			}
			return err
		}
	}

	// Failed entries stay dirty so the next Update retries them.
	for _, p := range failed {
		c.markDirty(p)
	}

	if steps > 0 {
		c.logger.Debug("update drained", "steps", steps, "failed", len(failed))
	}
	return nil
}

// recompute re-derives one dirty reader path.
func (c *Context) recompute(p value.Path) error {
	switch d := c.dirs[p.Dir].(type) {
	case *EagerDir:
		if d.mapperName == "" {
			// A plain eager entry has no producer to re-run; it was dirtied
			// by a now-gone reader registration. Nothing to do.
			return nil
		}
		return runMapperKey(c, d, p.Key)

	case *LazyDir:
		e := d.invalidate(p.Key)
		if e == nil || !e.exists || e.state == lazyInFlight {
			// Never forced (or currently on the stack): the next demand
			// recomputes it.
			return nil
		}
		_, err := d.force(c, p.Key, e)
		return err

	case *DeletedDir, nil:
		// The directory is gone; its readers were dirtied at removal time.
		return nil
	}
	return nil
}
