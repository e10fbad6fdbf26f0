package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawladapter/proxypool/model"
)

func TestFileStorage_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.txt")
	fs := NewFileStorage(path)

	at := time.UnixMilli(1_700_000_000_123)
	in := map[string]model.HealthSample{
		"香港|01": {Timestamp: at, Success: true, LatencyMs: 820, Connectivity: 0.6666666666666666, SuccessRate: 0.6666666666666666, OverallScore: 0.6666666666666666},
		"jp-02":   model.FailedSample(at, 15, "switch failed\nbad 100%"),
	}
	require.NoError(t, fs.Save(in))

	out, err := fs.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out["香港|01"].Timestamp.Equal(at))
	assert.Equal(t, in["香港|01"].OverallScore, out["香港|01"].OverallScore)
	assert.Equal(t, int64(820), out["香港|01"].LatencyMs)
	assert.Equal(t, "switch failed\nbad 100%", out["jp-02"].Error)
	assert.False(t, out["jp-02"].Success)
}

func TestFileStorage_MissingFile(t *testing.T) {
	out, err := NewFileStorage(filepath.Join(t.TempDir(), "none.txt")).Load()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFileStorage_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.txt")
	content := "ok|1000|true|10|1|1|1|\n" +
		"too|few|fields\n" +
		"badlat|1000|true|x|1|1|1|\n" +
		"\n" +
		"zero|0|false|0|0|0|0|never checked\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	out, err := NewFileStorage(path).Load()
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1.0, out["ok"].OverallScore)
	assert.True(t, out["zero"].Timestamp.IsZero())
}
