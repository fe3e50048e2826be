package deps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orch-dev/orch/pkg/models"
)

func task(id string, deps ...string) models.Task {
	return models.Task{ID: id, Title: "task " + id, DependsOn: deps}
}

func ids(batch []models.Task) []string {
	out := make([]string, len(batch))
	for i, t := range batch {
		out[i] = t.ID
	}
	return out
}

func TestResolve_NoDepsSingleBatch(t *testing.T) {
	batches, err := Resolve([]models.Task{task("C"), task("A"), task("B")})
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"A", "B", "C"}, ids(batches[0]))
}

func TestResolve_LinearChain(t *testing.T) {
	batches, err := Resolve([]models.Task{
		task("A"),
		task("B", "A"),
		task("C", "B"),
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"A"}, ids(batches[0]))
	assert.Equal(t, []string{"B"}, ids(batches[1]))
	assert.Equal(t, []string{"C"}, ids(batches[2]))
}

func TestResolve_Diamond(t *testing.T) {
	batches, err := Resolve([]models.Task{
		task("A"),
		task("B", "A"),
		task("C", "A"),
		task("D", "B", "C"),
	})
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"A"}, ids(batches[0]))
	assert.Equal(t, []string{"B", "C"}, ids(batches[1]))
	assert.Equal(t, []string{"D"}, ids(batches[2]))
}

func TestResolve_EveryTaskAppearsExactlyOnce(t *testing.T) {
	input := []models.Task{
		task("A"),
		task("B", "A"),
		task("C"),
		task("D", "B", "C"),
		task("E", "A"),
	}
	batches, err := Resolve(input)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, batch := range batches {
		for _, tk := range batch {
			seen[tk.ID]++
		}
	}
	assert.Len(t, seen, len(input))
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s appears %d times", id, count)
	}
}

func TestResolve_CycleFails(t *testing.T) {
	batches, err := Resolve([]models.Task{
		task("A", "B"),
		task("B", "A"),
	})
	require.ErrorIs(t, err, ErrCyclicDependency)
	assert.Nil(t, batches)
	assert.Contains(t, err.Error(), "A")
	assert.Contains(t, err.Error(), "B")
}

func TestResolve_SelfCycleFails(t *testing.T) {
	_, err := Resolve([]models.Task{task("A", "A")})
	require.ErrorIs(t, err, ErrCyclicDependency)
}

func TestResolve_UnknownDependencyFails(t *testing.T) {
	_, err := Resolve([]models.Task{task("A", "ghost")})
	require.ErrorIs(t, err, ErrInvalidDependency)
	assert.Contains(t, err.Error(), "ghost")
}

func TestResolve_DuplicateIDFails(t *testing.T) {
	_, err := Resolve([]models.Task{task("A"), task("A")})
	require.ErrorIs(t, err, ErrInvalidDependency)
}

func TestResolve_Empty(t *testing.T) {
	batches, err := Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
