package drivers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granulate/gprofiler-go/internal/model"
)

func TestParseCollapsedText_ParsesFramesAndCounts(t *testing.T) {
	out := "main;foo;bar 5\nmain;baz 12\n"
	got := parseCollapsedText(out, model.SuffixRuby)
	require.Len(t, got, 2)

	assert.Equal(t, int64(5), got[0].Count)
	require.Len(t, got[0].Stack, 3)
	assert.Equal(t, "main", got[0].Stack[0].Symbol)
	assert.Equal(t, model.SuffixRuby, got[0].Stack[0].Suffix)
	assert.Equal(t, "bar", got[0].Stack[2].Symbol)

	assert.Equal(t, int64(12), got[1].Count)
	require.Len(t, got[1].Stack, 2)
}

func TestParseCollapsedText_SkipsBlankAndCommentLines(t *testing.T) {
	out := "\n# comment\nmain;foo 3\n   \n"
	got := parseCollapsedText(out, model.SuffixNone)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Count)
}

func TestParseCollapsedText_SkipsMalformedLines(t *testing.T) {
	out := "no-count-here\nmain;foo notanumber\nmain;foo 7\n"
	got := parseCollapsedText(out, model.SuffixNone)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].Count)
}

func TestParseCollapsedTextByPID_GroupsStacksByLeadingPID(t *testing.T) {
	out := "123;main;foo 4\n456;main;bar 9\n123;main;baz 1\n"
	byPID := parseCollapsedTextByPID(out, model.SuffixPython)
	require.Len(t, byPID, 2)

	require.Len(t, byPID[123], 2)
	assert.Equal(t, int64(4), byPID[123][0].Count)
	assert.Equal(t, int64(1), byPID[123][1].Count)

	require.Len(t, byPID[456], 1)
	assert.Equal(t, int64(9), byPID[456][0].Count)
}

func TestParseCollapsedTextByPID_SkipsLinesWithoutPIDPrefix(t *testing.T) {
	out := "notapid;main;foo 4\n123;main;bar 2\n"
	byPID := parseCollapsedTextByPID(out, model.SuffixPython)
	require.Len(t, byPID, 1)
	require.Contains(t, byPID, 123)
}

func TestFanOut_AggregatesMultipleStacksPerProcess(t *testing.T) {
	processes := []model.ProcessRecord{{PID: 1}, {PID: 2}}
	table := fanOut(context.Background(), processes, 2, func(_ context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return []stackCount{
			{Stack: model.StackFingerprint{{Symbol: "a"}}, Count: 1},
			{Stack: model.StackFingerprint{{Symbol: "b"}}, Count: 2},
		}, nil
	})

	require.Contains(t, table.Counts, 1)
	require.Contains(t, table.Counts, 2)
	assert.Equal(t, int64(3), table.Counts[1].Total())
}

func TestFanOut_ProcessErrorYieldsErrorStack(t *testing.T) {
	processes := []model.ProcessRecord{{PID: 1}}
	table := fanOut(context.Background(), processes, 1, func(_ context.Context, p model.ProcessRecord) ([]stackCount, error) {
		return nil, assert.AnError
	})

	require.Contains(t, table.Counts, 1)
	assert.Equal(t, int64(1), table.Counts[1].Total())
}
