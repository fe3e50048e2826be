package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orch-dev/orch/pkg/models"
)

func TestParseSpecification(t *testing.T) {
	spec, err := ParseSpecification(specJSON())
	require.NoError(t, err)
	assert.Equal(t, []string{"search endpoint"}, spec.Requirements)
	assert.Equal(t, "add a handler", spec.TechnicalApproach)
	assert.Equal(t, "low", spec.Complexity)

	t.Run("fenced response", func(t *testing.T) {
		spec, err := ParseSpecification("```json\n" + specJSON() + "\n```")
		require.NoError(t, err)
		assert.Equal(t, []string{"returns 200"}, spec.AcceptanceCriteria)
	})
	t.Run("missing mandatory section", func(t *testing.T) {
		_, err := ParseSpecification(`{"requirements": ["x"], "acceptance_criteria": ["y"]}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "technical_approach")
	})
	t.Run("not json", func(t *testing.T) {
		_, err := ParseSpecification("I think we should add a search endpoint.")
		assert.Error(t, err)
	})
}

func TestParseTasks(t *testing.T) {
	tasks, err := ParseTasks(implTasksJSON(), models.TaskTypeImplementation)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "impl-1", tasks[0].ID)
	assert.Equal(t, models.TaskTypeImplementation, tasks[0].Type)
	assert.Equal(t, []string{"impl-1"}, tasks[1].DependsOn)

	t.Run("wrong prefix", func(t *testing.T) {
		_, err := ParseTasks(implTasksJSON(), models.TaskTypeTest)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `must start with "test-"`)
	})
	t.Run("duplicate id", func(t *testing.T) {
		_, err := ParseTasks(`[{"id": "impl-1", "title": "a"}, {"id": "impl-1", "title": "b"}]`,
			models.TaskTypeImplementation)
		assert.Error(t, err)
	})
	t.Run("empty list", func(t *testing.T) {
		_, err := ParseTasks("[]", models.TaskTypeImplementation)
		assert.Error(t, err)
	})
	t.Run("missing title", func(t *testing.T) {
		_, err := ParseTasks(`[{"id": "impl-1", "title": "  "}]`, models.TaskTypeImplementation)
		assert.Error(t, err)
	})
}

func TestExtractFailureDetails(t *testing.T) {
	report := `Test run failed.

Error: expected 200 got 500
AssertionError: body mismatch
    at handler_test.go:42:12
    at suite.go:108

` + "```go\nfunc TestSearch(t *testing.T) { ... }\n```"

	details := ExtractFailureDetails(report)
	require.NotNil(t, details)
	assert.Contains(t, details.Message, "Error: expected 200 got 500")
	assert.Contains(t, details.Message, "AssertionError: body mismatch")
	require.Len(t, details.StackFrames, 2)
	assert.Equal(t, "at handler_test.go:42:12", details.StackFrames[0])
	require.Len(t, details.CodeBlocks, 1)
	assert.Contains(t, details.CodeBlocks[0], "func TestSearch")
}

func TestExtractFailureDetails_NoEvidence(t *testing.T) {
	assert.Nil(t, ExtractFailureDetails("All tests green, nothing to report."))
}

func TestExtractFailureDetails_CapsStackFrames(t *testing.T) {
	report := "Error: boom\n"
	for i := 0; i < 25; i++ {
		report += "    at deep.go:1\n"
	}
	details := ExtractFailureDetails(report)
	require.NotNil(t, details)
	assert.Len(t, details.StackFrames, maxStackFrames)
}

func TestParseTestResults(t *testing.T) {
	results := ParseTestResults("Summary: 7 passed, 3 failed in 12s")
	require.NotNil(t, results)
	assert.Equal(t, 7, results.Passed)
	assert.Equal(t, 3, results.Failed)
	assert.Equal(t, 10, results.Total)
	assert.InDelta(t, 70.0, results.PassRate, 0.01)

	assert.Nil(t, ParseTestResults("no summary here"))
}
