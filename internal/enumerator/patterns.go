package enumerator

import (
	"regexp"

	"github.com/granulate/gprofiler-go/internal/model"
)

// mapsSignal matches a pattern against the text of /proc/<pid>/maps.
type mapsSignal struct {
	runtime model.RuntimeKind
	pattern *regexp.Regexp
}

// mapsSignals is compiled once at package init.
var mapsSignals = []mapsSignal{
	{model.RuntimeJava, regexp.MustCompile(`libjvm\.so`)},
	{model.RuntimePython, regexp.MustCompile(`lib(python)[0-9.]*\.so|site-packages/.*\.so|dist-packages/.*\.so`)},
}

var rubyExeRe = regexp.MustCompile(`/ruby[^/]*$`)
var dotnetExeRe = regexp.MustCompile(`/dotnet$`)
var nodeExeRe = regexp.MustCompile(`(^|/)node$`)
var clrLibRe = regexp.MustCompile(`libcoreclr\.so|libclrjit\.so`)
