package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_Table(t *testing.T) {
	c := NewCatalog("")

	tests := []struct {
		action Action
		params Params
		task   string
		argv   []string
		hidden bool
	}{
		{Bench, Params{}, "Bench", []string{"cargo", "bench"}, false},
		{Build, Params{}, "Build", []string{"cargo", "build"}, false},
		{Clean, Params{}, "Clean", []string{"cargo", "clean"}, true},
		{Doc, Params{}, "Doc", []string{"cargo", "doc"}, false},
		{New, Params{Name: "hello"}, "New", []string{"cargo", "new", "hello"}, true},
		{New, Params{Name: "hello", Bin: true}, "New", []string{"cargo", "new", "hello", "--bin"}, true},
		{Run, Params{}, "Run", []string{"cargo", "run"}, false},
		{Search, Params{Term: "serde"}, "Search", []string{"cargo", "search", "serde"}, false},
		{Test, Params{}, "Test", []string{"cargo", "test"}, false},
		{Update, Params{}, "Update", []string{"cargo", "update"}, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			cmd, err := c.Command(tt.action, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.action, cmd.Action)
			assert.Equal(t, tt.task, cmd.TaskName)
			assert.Equal(t, tt.argv, cmd.Argv)
			assert.Equal(t, tt.hidden, cmd.Hidden)
		})
	}
}

func TestCommand_Extra(t *testing.T) {
	c := NewCatalog("cross")

	cmd, err := c.Command(Test, Params{Extra: []string{"--release", "--", "--nocapture"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"cross", "test", "--release", "--", "--nocapture"}, cmd.Argv)
	assert.Equal(t, "cross", c.Executable())
}

func TestCommand_Errors(t *testing.T) {
	c := NewCatalog("cargo")

	_, err := c.Command(New, Params{Name: "  "})
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = c.Command(Search, Params{})
	assert.ErrorIs(t, err, ErrMissingTerm)

	_, err = c.Command(Action("publish"), Params{})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestWithHidden(t *testing.T) {
	c := NewCatalog("cargo", WithHidden(Build, true), WithHidden(Clean, false))

	assert.True(t, c.Hidden(Build))
	assert.False(t, c.Hidden(Clean))
	assert.True(t, c.Hidden(New))

	cmd, err := c.Command(Clean, Params{})
	require.NoError(t, err)
	assert.False(t, cmd.Hidden)
}

func TestParse(t *testing.T) {
	for _, a := range Actions() {
		got, err := Parse(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	got, err := Parse(" Build ")
	require.NoError(t, err)
	assert.Equal(t, Build, got)

	_, err = Parse("deploy")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestActions(t *testing.T) {
	actions := Actions()
	assert.Len(t, actions, 9)
	for _, a := range actions {
		assert.NotEmpty(t, a.TaskName(), "action %s", a)
	}
}
