package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiplabs/skfs/internal/value"
)

func TestValidateRejectsEmptyGraph(t *testing.T) {
	s := &Scenario{Name: "empty"}
	assert.Error(t, s.Validate())
}

func TestValidateRejectsAmbiguousStep(t *testing.T) {
	s := &Scenario{
		Name:  "ambiguous",
		Graph: Graph{Inputs: []string{"/in/"}},
		Steps: []Step{{
			Write:  &WriteStep{Dir: "/in/", Key: "k", Values: []any{"v"}},
			Update: true,
		}},
	}
	assert.Error(t, s.Validate())
}

func TestValidateRejectsEmptyStep(t *testing.T) {
	s := &Scenario{
		Name:  "blank",
		Graph: Graph{Inputs: []string{"/in/"}},
		Steps: []Step{{}},
	}
	assert.Error(t, s.Validate())
}

func TestScenarioKeyMapping(t *testing.T) {
	k, err := scenarioKey("name")
	require.NoError(t, err)
	assert.Equal(t, value.SID("name"), k)

	k, err = scenarioKey(7)
	require.NoError(t, err)
	assert.Equal(t, value.IID(7), k)

	_, err = scenarioKey(3.5)
	assert.Error(t, err)
}

func TestScenarioValuesMapping(t *testing.T) {
	values, err := scenarioValues([]any{"s", 4})
	require.NoError(t, err)
	assert.Equal(t, []value.File{value.StringFile("s"), value.IntFile(4)}, values)

	_, err = scenarioValues([]any{1.25})
	assert.Error(t, err)
}
