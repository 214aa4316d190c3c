package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/model"
)

func collectLines(t *testing.T, input string, maxLineBytes int) []line {
	t.Helper()
	out := make(chan line, 64)
	err := readLines(strings.NewReader(input), model.StreamStdout, maxLineBytes, out)
	require.NoError(t, err)
	close(out)

	var lines []line
	for l := range out {
		lines = append(lines, l)
	}
	return lines
}

func TestReadLines(t *testing.T) {
	lines := collectLines(t, "one\ntwo\nthree\n", 1024)
	require.Len(t, lines, 3)
	assert.Equal(t, "one", lines[0].text)
	assert.Equal(t, "three", lines[2].text)
	for _, l := range lines {
		assert.False(t, l.truncated)
	}
}

func TestReadLinesSplitsLongLines(t *testing.T) {
	long := strings.Repeat("a", 40)
	lines := collectLines(t, long+"\nshort\n", 16)

	// the oversize line arrives in order as split parts, the first
	// flagged truncated, and the following line is intact
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, lines[0].truncated)

	var rebuilt strings.Builder
	for _, l := range lines[:len(lines)-1] {
		rebuilt.WriteString(l.text)
	}
	assert.Equal(t, long, rebuilt.String())
	last := lines[len(lines)-1]
	assert.Equal(t, "short", last.text)
	assert.False(t, last.truncated)
}

func TestReadLinesWithoutTrailingNewline(t *testing.T) {
	lines := collectLines(t, "no newline at end", 1024)
	require.Len(t, lines, 1)
	assert.Equal(t, "no newline at end", lines[0].text)
}
