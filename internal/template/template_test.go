package template

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/phpunitkit/internal/filesystem"
)

func TestNewExecutor(t *testing.T) {
	mockFS := filesystem.NewMockFileSystem()
	mockFS.AddFile("/tmpl/valid.tmpl", []byte(`{{ .Path }}`))
	mockFS.AddFile("/tmpl/invalid.tmpl", []byte(`{{ .Path`))

	t.Run("Inline", func(t *testing.T) {
		executor, err := NewExecutor(`{{ .Path }}`, mockFS)
		require.NoError(t, err)
		require.NotNil(t, executor)
		assert.Equal(t, "inline", executor.name)
		assert.Zero(t, mockFS.TotalCalls(), "Inline templates are not read from disk")
	})

	t.Run("FromFile", func(t *testing.T) {
		executor, err := NewExecutor("@/tmpl/valid.tmpl", mockFS)
		require.NoError(t, err)
		require.NotNil(t, executor)
		assert.Equal(t, "/tmpl/valid.tmpl", executor.name)
		mockFS.AssertStatted(t, "/tmpl/valid.tmpl")
	})

	t.Run("MissingFile", func(t *testing.T) {
		executor, err := NewExecutor("@/tmpl/nonexistent.tmpl", mockFS)
		assert.Nil(t, executor)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("ReadError", func(t *testing.T) {
		readErr := errors.New("permission denied")
		mockFS.SimulateReadError("/tmpl/locked.tmpl", readErr)

		executor, err := NewExecutor("@/tmpl/locked.tmpl", mockFS)
		assert.Nil(t, executor)
		assert.ErrorIs(t, err, readErr)
	})

	t.Run("InvalidSyntax", func(t *testing.T) {
		for _, source := range []string{"@/tmpl/invalid.tmpl", `{{ .Path`} {
			executor, err := NewExecutor(source, mockFS)
			assert.Nil(t, executor)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "template:")
		}
	})

	t.Run("Empty", func(t *testing.T) {
		mockFS.ResetCalls()
		executor, err := NewExecutor("  ", mockFS)
		assert.NoError(t, err)
		assert.Nil(t, executor)
		assert.Zero(t, mockFS.TotalCalls())
	})
}

func TestExecutorExecute(t *testing.T) {
	mockFS := filesystem.NewMockFileSystem()

	type result struct {
		Path       string
		Candidates []string
	}

	t.Run("Struct", func(t *testing.T) {
		executor, err := NewExecutor(`{{ .Path }} <- {{ join .Candidates "," }}`, mockFS)
		require.NoError(t, err)

		rendered, err := executor.Execute(result{Path: "/proj/tests/FooTest.php", Candidates: []string{"FooTest.php", "Foo.phpt"}})
		require.NoError(t, err)
		assert.Equal(t, "/proj/tests/FooTest.php <- FooTest.php,Foo.phpt", rendered)
	})

	t.Run("MissingKey", func(t *testing.T) {
		executor, err := NewExecutor(`{{ .Path }} {{ .Missing }}`, mockFS)
		require.NoError(t, err)

		rendered, err := executor.Execute(map[string]any{"Path": "/p"})
		assert.Empty(t, rendered)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `map has no entry for key "Missing"`)
	})

	t.Run("FunctionCallError", func(t *testing.T) {
		executor, err := NewExecutor(`{{ printf "%d" }}{{ index .Path 5 }}`, mockFS)
		require.NoError(t, err)

		rendered, err := executor.Execute(map[string]any{"Path": "ab"})
		assert.Empty(t, rendered)
		assert.ErrorContains(t, err, "error calling index")
	})
}
