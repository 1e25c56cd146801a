package drivers

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/granulate/gprofiler-go/internal/supervisor"
)

func TestPythonDriver_ChooseBackend_AutoPrefersPyPerfOnAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("eBPF backend selection only applies on amd64")
	}
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewPythonDriver(PythonModeAuto, 50, 10, 2, 11, 0, time.Second, sup, testLogger(t))

	assert.Equal(t, "pyperf", d.chooseBackend(10))
}

func TestPythonDriver_ChooseBackend_AutoFallsBackAboveSkipThreshold(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("eBPF backend selection only applies on amd64")
	}
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewPythonDriver(PythonModeAuto, 5, 10, 2, 11, 0, time.Second, sup, testLogger(t))

	assert.Equal(t, "pyspy", d.chooseBackend(10), "process count exceeds pyperf_skip_above_N, must fall back")
}

func TestPythonDriver_ChooseBackend_PinnedPySpyAlwaysWins(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewPythonDriver(PythonModePySpy, 0, 10, 2, 11, 0, time.Second, sup, testLogger(t))

	assert.Equal(t, "pyspy", d.chooseBackend(1000))
}

func TestPythonDriver_ChooseBackend_PinnedPyPerfDisablesAboveThreshold(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	d := NewPythonDriver(PythonModePyPerf, 5, 10, 2, 11, 0, time.Second, sup, testLogger(t))

	// Pinned pyperf never silently switches strategy — it disables instead,
	// since mixing sources for one PID would produce inconsistent stacks.
	got := d.chooseBackend(10)
	if runtime.GOARCH == "amd64" {
		assert.Equal(t, "", got)
	} else {
		assert.Equal(t, "", got, "unsupported arch also disables rather than silently switching")
	}
}

func TestPythonDriver_ChooseBackend_NeverReturnsBothBackends(t *testing.T) {
	sup := supervisor.New(time.Second, testLogger(t))
	modes := []PythonMode{PythonModeAuto, PythonModePyPerf, PythonModePySpy}
	for _, m := range modes {
		d := NewPythonDriver(m, 5, 10, 2, 11, 0, time.Second, sup, testLogger(t))
		backend := d.chooseBackend(3)
		assert.Contains(t, []string{"", "pyperf", "pyspy"}, backend)
	}
}
