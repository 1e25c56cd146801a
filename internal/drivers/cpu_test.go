package drivers

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcStat writes a minimal /proc/<pid>/stat with the given utime+stime
// in the positions readProcCPUTicks expects (fields 14/15 overall).
func fakeProcStat(t *testing.T, pid int, utime, stime int64) string {
	t.Helper()
	root := t.TempDir()
	pidDir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0o755))

	fields := make([]string, 20)
	fields[0] = "S" // field 3 (state)
	for i := 1; i < len(fields); i++ {
		fields[i] = "0"
	}
	fields[11] = strconv.FormatInt(utime, 10) // field 14 overall
	fields[12] = strconv.FormatInt(stime, 10) // field 15 overall

	line := "1 (proc) " + joinFields(fields) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte(line), 0o644))
	return root
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

func TestReadProcCPUTicks_ParsesUtimePlusStime(t *testing.T) {
	root := fakeProcStat(t, 42, 100, 50)
	ticks, err := readProcCPUTicks(root, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(150), ticks)
}

func TestReadProcCPUTicks_MissingPIDErrors(t *testing.T) {
	root := t.TempDir()
	_, err := readProcCPUTicks(root, 999)
	assert.Error(t, err)
}

func TestProcCPUTracker_FirstSampleReportsZero(t *testing.T) {
	root := fakeProcStat(t, 1, 100, 0)
	tr := newProcCPUTracker(root)
	assert.Equal(t, float64(0), tr.Fraction(1))
}

func TestProcCPUTracker_SecondSampleReflectsDelta(t *testing.T) {
	root := fakeProcStat(t, 1, 100, 0)
	tr := newProcCPUTracker(root)
	tr.Fraction(1) // seed

	// Simulate a later sample with more accumulated ticks.
	pidDir := filepath.Join(root, "1")
	fields := make([]string, 20)
	fields[0] = "S"
	for i := 1; i < len(fields); i++ {
		fields[i] = "0"
	}
	fields[11] = "300"
	line := "1 (proc) " + joinFields(fields) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte(line), 0o644))

	got := tr.Fraction(1)
	assert.Greater(t, got, float64(0))
}

func TestProcCPUTracker_UnreadablePIDReportsZero(t *testing.T) {
	tr := newProcCPUTracker(t.TempDir())
	assert.Equal(t, float64(0), tr.Fraction(12345))
}
