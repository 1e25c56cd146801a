package enumerator

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/common/logger"
	"github.com/granulate/gprofiler-go/internal/model"
)

// fakeProc builds a minimal fake /proc tree with one pid directory so the
// enumerator's file-reading code can be exercised without a real kernel.
func fakeProc(t *testing.T, pid int, comm, exe, maps string, cmdline []string, startTimeTicks int64) string {
	t.Helper()
	root := t.TempDir()

	// btime required for boot-time resolution.
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  0 0 0 0\nbtime 1000000000\n"), 0o644))

	pidDir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "comm"), []byte(comm+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "maps"), []byte(maps), 0o644))

	statLine := "1 (" + comm + ") S 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 " + strconv.FormatInt(startTimeTicks, 10) + " 0 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "stat"), []byte(statLine), 0o644))

	if exe != "" {
		// os.Symlink target need not exist for Readlink to succeed.
		require.NoError(t, os.Symlink(exe, filepath.Join(pidDir, "exe")))
	}

	var cmdlineBytes []byte
	for _, c := range cmdline {
		cmdlineBytes = append(cmdlineBytes, []byte(c)...)
		cmdlineBytes = append(cmdlineBytes, 0)
	}
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "cmdline"), cmdlineBytes, 0o644))

	return root
}

func testLogger() *logger.Logger {
	l, _ := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	return l
}

func TestEnumerate_ClassifiesJavaByMaps(t *testing.T) {
	root := fakeProc(t, 1234, "java", "/usr/bin/java",
		"7f0000000000-7f0000100000 r-xp 00000000 00:00 0 /usr/lib/jvm/lib/server/libjvm.so\n",
		[]string{"/usr/bin/java", "-jar", "app.jar"}, 0)

	e := New(root, 0, nil, "php-fpm", testLogger())
	recs := e.Enumerate(time.Unix(1000000000+3600, 0))
	require.Len(t, recs, 1)
	assert.Equal(t, model.RuntimeJava, recs[0].ClassifiedRuntime)
	assert.Equal(t, 1234, recs[0].PID)
}

func TestEnumerate_RejectsEmbeddedPythonFalsePositive(t *testing.T) {
	// Process links libpython (e.g. an embedding proxy) but neither its exe
	// nor cmdline names python positively -> must be rejected, not classified.
	root := fakeProc(t, 42, "my-proxy", "/usr/bin/my-proxy",
		"7f0000000000-7f0000100000 r-xp 00000000 00:00 0 /usr/lib/libpython3.10.so\n",
		[]string{"/usr/bin/my-proxy"}, 0)

	e := New(root, 0, nil, "php-fpm", testLogger())
	recs := e.Enumerate(time.Unix(1000000000+3600, 0))
	assert.Len(t, recs, 0, "embedded python false positive must be filtered out")
}

func TestEnumerate_AcceptsPositivelyNamedPython(t *testing.T) {
	root := fakeProc(t, 42, "python3", "/usr/bin/python3.10",
		"7f0000000000-7f0000100000 r-xp 00000000 00:00 0 /usr/lib/libpython3.10.so\n",
		[]string{"/usr/bin/python3.10", "app.py"}, 0)

	e := New(root, 0, nil, "php-fpm", testLogger())
	recs := e.Enumerate(time.Unix(1000000000+3600, 0))
	require.Len(t, recs, 1)
	assert.Equal(t, model.RuntimePython, recs[0].ClassifiedRuntime)
}

func TestEnumerate_AgeFilterExcludesShortLived(t *testing.T) {
	root := fakeProc(t, 99, "native-app", "/usr/bin/native-app", "", nil, 0)

	e := New(root, 10*time.Second, nil, "php-fpm", testLogger())
	// process started at exactly boot time; "now" is 1 second later -> too young
	recs := e.Enumerate(time.Unix(1000000000+1, 0))
	assert.Len(t, recs, 0)
}

func TestEnumerate_DenylistExcludesProcess(t *testing.T) {
	root := fakeProc(t, 7, "gdb", "/usr/bin/gdb", "", nil, 0)

	e := New(root, 0, []string{"gdb"}, "php-fpm", testLogger())
	recs := e.Enumerate(time.Unix(1000000000+3600, 0))
	assert.Len(t, recs, 0)
}

func TestEnumerate_SkipsVanishedPID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("btime 1000000000\n"), 0o644))
	// Directory named like a PID but with no readable files inside: must be
	// skipped silently rather than erroring the whole scan.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "555"), 0o755))

	e := New(root, 0, nil, "php-fpm", testLogger())
	recs := e.Enumerate(time.Now())
	assert.Len(t, recs, 0)
}
