package harness

import (
	"fmt"

	"github.com/skiplabs/skfs/internal/engine"
	"github.com/skiplabs/skfs/internal/feed"
	"github.com/skiplabs/skfs/internal/value"
)

// TraceEvent is one step's observable effect: the kind of action, the cell
// it targeted, the clock position afterwards, and how many recomputations
// it triggered.
type TraceEvent struct {
	Step       int    `json:"step"`
	Kind       string `json:"kind"`
	Target     string `json:"target,omitempty"`
	Time       int64  `json:"time"`
	Recomputes int    `json:"recomputes,omitempty"`
}

// Result is the outcome of one scenario run.
type Result struct {
	Pass   bool
	Errors []string
	Trace  []TraceEvent
}

// Run executes a scenario against a registry on a fresh context.
func Run(scenario *Scenario, reg *engine.Registry) (*Result, error) {
	ctx := engine.NewContext(reg)
	if err := buildGraph(ctx, scenario.Graph); err != nil {
		return nil, err
	}

	result := &Result{Pass: true}
	for i, step := range scenario.Steps {
		before := ctx.Stats.Recomputes
		ev := TraceEvent{Step: i}

		if err := runStep(ctx, step, &ev, result); err != nil {
			return nil, fmt.Errorf("scenario %s: step %d: %w", scenario.Name, i, err)
		}

		ev.Time = int64(ctx.Time())
		ev.Recomputes = ctx.Stats.Recomputes - before
		result.Trace = append(result.Trace, ev)
	}
	return result, nil
}

func buildGraph(ctx *engine.Context, g Graph) error {
	handles := make(map[string]engine.EHandle)
	for _, in := range g.Inputs {
		d, err := value.NewDirName(in)
		if err != nil {
			return err
		}
		h, err := ctx.Mkdir(d, true, nil)
		if err != nil {
			return err
		}
		handles[string(d)] = h
	}
	for _, m := range g.Mappers {
		src, err := value.NewDirName(m.Source)
		if err != nil {
			return err
		}
		out, err := value.NewDirName(m.Out)
		if err != nil {
			return err
		}
		h, ok := handles[string(src)]
		if !ok {
			return fmt.Errorf("mapper source %s is not a declared input", m.Source)
		}
		if _, err := engine.ContextWriterKeyValues(ctx, h, out, m.Mapper, m.Reducer); err != nil {
			return err
		}
	}
	for _, l := range g.Lazies {
		d, err := value.NewDirName(l.Dir)
		if err != nil {
			return err
		}
		if _, err := engine.CreateLazyDir(ctx, d, l.Fn); err != nil {
			return err
		}
	}
	return nil
}

func runStep(ctx *engine.Context, step Step, ev *TraceEvent, result *Result) error {
	switch {
	case step.Write != nil:
		ev.Kind = "write"
		return applyWrite(ctx, *step.Write, ev)

	case len(step.WriteMany) > 0:
		ev.Kind = "write_many"
		return applyWriteMany(ctx, step.WriteMany, ev)

	case step.Remove != nil:
		ev.Kind = "remove"
		d, key, err := resolveCell(step.Remove.Dir, step.Remove.Key)
		if err != nil {
			return err
		}
		ev.Target = value.NewPath(d, key).String()
		return engine.NewEHandle(d).Remove(ctx, key)

	case step.Feed != "":
		ev.Kind = "feed"
		return applyFeed(ctx, step.Feed, ev)

	case step.Update:
		ev.Kind = "update"
		return ctx.Update()

	case step.Expect != nil:
		ev.Kind = "expect"
		return checkExpect(ctx, *step.Expect, false, ev, result)

	case step.ExpectLazy != nil:
		ev.Kind = "expect_lazy"
		return checkExpect(ctx, *step.ExpectLazy, true, ev, result)
	}
	return fmt.Errorf("empty step")
}

func applyWrite(ctx *engine.Context, w WriteStep, ev *TraceEvent) error {
	d, key, err := resolveCell(w.Dir, w.Key)
	if err != nil {
		return err
	}
	values, err := scenarioValues(w.Values)
	if err != nil {
		return err
	}
	ev.Target = value.NewPath(d, key).String()
	return engine.NewEHandle(d).WriteArray(ctx, key, values)
}

func applyWriteMany(ctx *engine.Context, writes []WriteStep, ev *TraceEvent) error {
	d, _, err := resolveCell(writes[0].Dir, writes[0].Key)
	if err != nil {
		return err
	}
	ev.Target = string(d)
	items := make([]engine.KeyValues, 0, len(writes))
	for _, w := range writes {
		wd, key, err := resolveCell(w.Dir, w.Key)
		if err != nil {
			return err
		}
		if wd != d {
			return fmt.Errorf("write_many spans directories %s and %s", d, wd)
		}
		values, err := scenarioValues(w.Values)
		if err != nil {
			return err
		}
		items = append(items, engine.KeyValues{Key: key, Values: values})
	}
	return engine.NewEHandle(d).WriteArrayMany(ctx, items)
}

func applyFeed(ctx *engine.Context, input string, ev *TraceEvent) error {
	inputs := inputDirs(ctx)
	if len(inputs) != 1 {
		return fmt.Errorf("feed needs exactly one input directory, have %d", len(inputs))
	}
	ev.Target = string(inputs[0])

	p := feed.NewParser()
	p.Feed([]byte(input))
	if err := p.Finish(); err != nil {
		return err
	}
	return feed.Apply(ctx, engine.NewEHandle(inputs[0]), p.Drain())
}

func checkExpect(ctx *engine.Context, e ExpectStep, lazy bool, ev *TraceEvent, result *Result) error {
	d, key, err := resolveCell(e.Dir, e.Key)
	if err != nil {
		return err
	}
	ev.Target = value.NewPath(d, key).String()

	want, err := scenarioValues(e.Values)
	if err != nil {
		return err
	}

	var got []value.File
	if lazy {
		got, err = engine.NewLHandle(d).GetArray(ctx, key)
	} else {
		got, err = engine.NewEHandle(d).GetArray(ctx, key)
	}
	if err != nil {
		return err
	}

	if !equalValues(got, want) {
		result.Pass = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s: got %s, want %s", ev.Target, renderValues(got), renderValues(want)))
	}
	return nil
}

func resolveCell(dir string, key any) (value.DirName, value.BaseName, error) {
	d, err := value.NewDirName(dir)
	if err != nil {
		return "", value.BaseName{}, err
	}
	k, err := scenarioKey(key)
	if err != nil {
		return "", value.BaseName{}, err
	}
	return d, k, nil
}

func inputDirs(ctx *engine.Context) []value.DirName {
	var out []value.DirName
	for _, n := range ctx.DirNames() {
		if d := ctx.MaybeGetEagerDir(n); d != nil && d.IsInput() {
			out = append(out, n)
		}
	}
	return out
}

func equalValues(got, want []value.File) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		gh, err := value.FileHash(got[i])
		if err != nil {
			return false
		}
		wh, err := value.FileHash(want[i])
		if err != nil {
			return false
		}
		if gh != wh {
			return false
		}
	}
	return true
}

func renderValues(files []value.File) string {
	out := "["
	for i, f := range files {
		if i > 0 {
			out += ", "
		}
		data, err := value.MarshalCanonical(f)
		if err != nil {
			out += "<unencodable>"
			continue
		}
		out += string(data)
	}
	return out + "]"
}
