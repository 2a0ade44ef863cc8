package storage

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeJoin_Basename(t *testing.T) {
	dest, err := SafeJoin("/tmp/received", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/received", "report.pdf"), dest)
}

func TestSafeJoin_StripsDirectories(t *testing.T) {
	// Directories implied by the descriptor path are ignored.
	dest, err := SafeJoin("/tmp/received", "photos/2024/img.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/received", "img.jpg"), dest)

	dest, err = SafeJoin("/tmp/received", `docs\win\file.txt`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/received", "file.txt"), dest)
}

func TestSafeJoin_RejectsTraversal(t *testing.T) {
	for _, name := range []string{
		"../evil.sh",
		"a/../../evil.sh",
		"..",
		`..\evil.sh`,
		"",
	} {
		_, err := SafeJoin("/tmp/received", name)
		assert.Error(t, err, "name %q must be rejected", name)
	}
}

func TestCountingWriter(t *testing.T) {
	var sink bytes.Buffer
	var writes []int64
	var reports []int64

	cw := &CountingWriter{
		Writer:      &sink,
		OnWrite:     func(n int64) { writes = append(writes, n) },
		OnThrottled: func(total int64) { reports = append(reports, total) },
		Interval:    time.Hour, // only the first write reports
	}

	cw.Write([]byte("abc"))
	cw.Write([]byte("defg"))

	assert.Equal(t, int64(7), cw.Total())
	assert.Equal(t, []int64{3, 4}, writes)
	assert.Equal(t, []int64{3}, reports, "reports are throttled by Interval")
	assert.Equal(t, "abcdefg", sink.String())
}
