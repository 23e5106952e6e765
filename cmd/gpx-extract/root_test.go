// root_test.go - Tests for the gpx-extract command
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gpx-parts/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestExtract_DefaultOutputDir(t *testing.T) {
	input := writeInput(t, "morningtrip.gpx", testutil.MorningTrip())

	out, err := execute(t, input)
	require.NoError(t, err)

	dir := filepath.Join(filepath.Dir(input), "morningtrip_extracted")
	for _, name := range []string{"morningtrip_markers.gpx", "Morning_Ride.gpx", "morningtrip_summary.txt"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "2 markers, 1 tracks (50 points), 0 routes (0 points)")
}

func TestExtract_ExplicitDirAndName(t *testing.T) {
	input := writeInput(t, "morningtrip.gpx", testutil.MorningTrip())
	dir := filepath.Join(t.TempDir(), "nested", "out")

	_, err := execute(t, input, dir, "--name", "Trip One")
	require.NoError(t, err)

	summary, err := os.ReadFile(filepath.Join(dir, "Trip_One_summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Morning_Ride.gpx")

	markers, err := os.ReadFile(filepath.Join(dir, "Trip_One_markers.gpx"))
	require.NoError(t, err)
	assert.Contains(t, string(markers), "Cafe")
}

func TestExtract_JSONOutput(t *testing.T) {
	input := writeInput(t, "morningtrip.gpx", testutil.MorningTrip())
	dir := filepath.Join(t.TempDir(), "out")

	out, err := execute(t, input, dir, "--json")
	require.NoError(t, err)

	var got jsonResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, dir, got.Directory)
	require.Len(t, got.Files, 3)
	assert.Equal(t, "Morning_Ride.gpx", got.Files[1].Name)
	assert.Equal(t, 50, got.Files[1].Points)
	assert.Equal(t, 2, got.Totals.Markers)
}

func TestExtract_InvalidInputWritesNothing(t *testing.T) {
	input := writeInput(t, "broken.gpx", []byte("<gpx><trk>"))
	dir := filepath.Join(t.TempDir(), "out")

	_, err := execute(t, input, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid GPX")

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtract_MissingInput(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "nope.gpx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file does not exist")

	_, err = execute(t)
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"x"}, {"y", "12"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "╭")
	assert.Contains(t, out, "12")
	assert.Empty(t, renderTable(nil, nil, nil))
}
