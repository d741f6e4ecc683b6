package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegexNormalizer_ResetConnection(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("reset connection")
	require.NoError(t, err)
	assert.Equal(t, KindResetConn, got.Kind)

	got, err = n.Normalize("  RESET CONNECTION  ")
	require.NoError(t, err)
	assert.Equal(t, KindResetConn, got.Kind)

	got, err = n.Normalize("reset connection (nonpooled)")
	require.NoError(t, err)
	assert.Equal(t, KindResetConnNonpooled, got.Kind)
}

func TestRegexNormalizer_Prepare(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("exec sp_prepare 7, select * from widgets where id = @p1")
	require.NoError(t, err)
	assert.Equal(t, KindPrepare, got.Kind)
	assert.Equal(t, int64(7), got.SourceHandleID)
	assert.Equal(t, "select * from widgets where id = @p1", got.Text)
}

func TestRegexNormalizer_ExecuteSubstitutesPlaceholder(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("execute sp_execute 7, @p1=1")
	require.NoError(t, err)
	assert.Equal(t, KindExecute, got.Kind)
	assert.Equal(t, int64(7), got.SourceHandleID)
	assert.Contains(t, got.Text, HandlePlaceholder)

	substituted := SubstituteHandle(got.Text, 42)
	assert.Equal(t, "42 @p1=1", substituted)
	assert.NotContains(t, substituted, HandlePlaceholder)
}

func TestRegexNormalizer_Unprepare(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("exec sp_unprepare 7")
	require.NoError(t, err)
	assert.Equal(t, KindUnprepare, got.Kind)
	assert.Equal(t, int64(7), got.SourceHandleID)
	assert.Equal(t, HandlePlaceholder, got.Text)
}

func TestRegexNormalizer_FallsBackToRegular(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("select 1")
	require.NoError(t, err)
	assert.Equal(t, KindRegular, got.Kind)
	assert.Equal(t, "select 1", got.Text)
}

func TestExecuteArgs_ParsesTypedValues(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("execute sp_execute 7, @p1=1, @p2='it''s fine', @p3=3.5, @p4=NULL")
	require.NoError(t, err)

	args := ExecuteArgs(got.Text)
	assert.Equal(t, []any{int64(1), "it's fine", 3.5, nil}, args)
}

func TestExecuteArgs_NoParamsReturnsNil(t *testing.T) {
	var n RegexNormalizer

	got, err := n.Normalize("execute sp_execute 7")
	require.NoError(t, err)
	assert.Nil(t, ExecuteArgs(got.Text))
}

func TestSubstituteHandle_NoPlaceholder(t *testing.T) {
	assert.Equal(t, "select 1", SubstituteHandle("select 1", 99))
}

func TestSubstituteHandle_OnlyFirstOccurrence(t *testing.T) {
	text := HandlePlaceholder + " and " + HandlePlaceholder
	got := SubstituteHandle(text, 5)
	assert.Equal(t, "5 and "+HandlePlaceholder, got)
}
