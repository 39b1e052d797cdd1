package runs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartTracksActiveRun(t *testing.T) {
	tbl := NewTable(0)
	r, err := tbl.Start("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, 1, tbl.ActiveCount())
}

func TestStartEnforcesConcurrencyLimit(t *testing.T) {
	tbl := NewTable(1)
	_, err := tbl.Start("run-1")
	require.NoError(t, err)

	_, err = tbl.Start("run-2")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestStartAdoptingSameIDDoesNotDoubleCount(t *testing.T) {
	tbl := NewTable(1)
	_, err := tbl.Start("run-1")
	require.NoError(t, err)
	_, err = tbl.Start("run-1")
	assert.NoError(t, err)
	assert.Equal(t, 1, tbl.ActiveCount())
}

func TestFinishRemovesFromActive(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Start("run-1")
	require.NoError(t, err)

	r, err := tbl.Finish("run-1", "done")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, r.Status)
	assert.Equal(t, 0, tbl.ActiveCount())
}

func TestFinishUnknownRunNotFound(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Finish("missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelAndErrorTransitions(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Start("run-1")
	require.NoError(t, err)
	r, err := tbl.Cancel("run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status)

	_, err = tbl.Start("run-2")
	require.NoError(t, err)
	r2, err := tbl.Error("run-2", "boom")
	require.NoError(t, err)
	assert.Equal(t, StatusError, r2.Status)
	assert.Equal(t, "boom", r2.Err)
}

func TestActiveIDsReflectsOnlyActiveRuns(t *testing.T) {
	tbl := NewTable(0)
	_, err := tbl.Start("run-1")
	require.NoError(t, err)
	_, err = tbl.Start("run-2")
	require.NoError(t, err)
	_, err = tbl.Finish("run-1", "")
	require.NoError(t, err)

	ids := tbl.ActiveIDs()
	assert.Equal(t, []string{"run-2"}, ids)
}
