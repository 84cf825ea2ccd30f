package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/skiplabs/skfs/internal/engine"
)

// TraceSnapshot captures the complete trace of a scenario execution for
// golden comparison.
type TraceSnapshot struct {
	Scenario string       `json:"scenario"`
	Trace    []TraceEvent `json:"trace"`
}

// RunWithGolden executes a scenario, fails the test on unmet expectations,
// and compares the trace against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, reg *engine.Registry) {
	t.Helper()

	result, err := Run(scenario, reg)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	for _, msg := range result.Errors {
		t.Errorf("scenario %s: %s", scenario.Name, msg)
	}

	snapshot := TraceSnapshot{Scenario: scenario.Name, Trace: result.Trace}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		t.Fatalf("scenario %s: marshal trace: %v", scenario.Name, err)
	}
	data = append(data, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
}

// FormatTrace renders a trace for diagnostics.
func FormatTrace(trace []TraceEvent) string {
	out := ""
	for _, ev := range trace {
		out += fmt.Sprintf("%3d %-10s t=%-4d", ev.Step, ev.Kind, ev.Time)
		if ev.Recomputes > 0 {
			out += fmt.Sprintf(" recomputes=%d", ev.Recomputes)
		}
		if ev.Target != "" {
			out += " " + ev.Target
		}
		out += "\n"
	}
	return out
}
