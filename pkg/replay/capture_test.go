package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCaptureFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCaptureFile_JSONL(t *testing.T) {
	content := `{"session_id": "s1", "text": "select 1", "event_sequence": 1, "replay_offset": "none"}
{"session_id": "s1", "text": "select 2", "event_sequence": 2, "replay_offset": "250ms", "database": "widgets"}
`
	path := writeCaptureFile(t, "capture.jsonl", content)

	cmds, err := ReadCaptureFile(path)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, "s1", cmds[0].SessionID)
	assert.Equal(t, NoOffset, cmds[0].ReplayOffset)

	assert.Equal(t, "widgets", cmds[1].Database)
	assert.Equal(t, int64(250), cmds[1].ReplayOffset.Milliseconds())
}

func TestReadCaptureFile_JSONL_SkipsBlankLines(t *testing.T) {
	content := "{\"session_id\": \"s1\", \"text\": \"select 1\", \"event_sequence\": 1}\n\n\n{\"session_id\": \"s1\", \"text\": \"select 2\", \"event_sequence\": 2}\n"
	path := writeCaptureFile(t, "capture.jsonl", content)

	cmds, err := ReadCaptureFile(path)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestReadCaptureFile_YAML(t *testing.T) {
	content := `
- session_id: s1
  text: "select 1"
  event_sequence: 1
- session_id: s1
  text: "select 2"
  event_sequence: 2
  replay_offset: 1s
`
	path := writeCaptureFile(t, "capture.yaml", content)

	cmds, err := ReadCaptureFile(path)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, NoOffset, cmds[0].ReplayOffset)
	assert.Equal(t, int64(1), cmds[1].ReplayOffset.Milliseconds()/1000)
}

func TestReadCaptureFile_InvalidOffsetErrors(t *testing.T) {
	path := writeCaptureFile(t, "capture.jsonl", `{"session_id": "s1", "text": "x", "event_sequence": 1, "replay_offset": "not-a-duration"}`)
	_, err := ReadCaptureFile(path)
	assert.Error(t, err)
}

func TestReadCaptureFile_MissingFile(t *testing.T) {
	_, err := ReadCaptureFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
