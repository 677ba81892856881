package labelsession

import (
	"testing"

	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	dets, err := ParseLabels("a.txt", []byte("0 0.5 0.5 0.2 0.3\n\n  3\t0.1 0.9 0.05 0.05  \r\n"))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	require.Equal(t, 3, dets[1].CategoryIndex)
	require.Equal(t, 0.9, dets[1].CenterY)
	require.Nil(t, dets[0].Reassigned)
}

func TestParseLabelsRejectsMalformedLines(t *testing.T) {
	for _, line := range []string{
		"0 0.5 0.5 0.2",
		"0 0.5 0.5 0.2 0.3 7",
		"cat 0.5 0.5 0.2 0.3",
		"-1 0.5 0.5 0.2 0.3",
		"0 0.5 abc 0.2 0.3",
		"0 NaN 0.5 0.2 0.3",
		"0 2.1875 2.0833 1.875 1.9444",
		"0 0.5 0.5 -0.2 0.3",
	} {
		_, err := ParseLabels("bad.txt", []byte("1 0.1 0.1 0.1 0.1\n"+line+"\n"))
		require.ErrorIs(t, err, ErrMalformedLabel, line)
		require.Contains(t, err.Error(), "bad.txt:2")
	}
}

func TestParseLabelsAcceptsBorderValues(t *testing.T) {
	dets, err := ParseLabels("edge.txt", []byte("0 0 1 1 0\n"))
	require.NoError(t, err)
	require.Len(t, dets, 1)
}

func TestFormatLabels(t *testing.T) {
	two := 2
	out := FormatLabels([]types.LabelDetection{
		{CategoryIndex: 0, CenterX: 0.5, CenterY: 0.25, Width: 0.1, Height: 1},
		{CategoryIndex: 1, CenterX: 0.333, CenterY: 0.5, Width: 0.5, Height: 0.5, Reassigned: &two},
	})
	require.Equal(t, "0 0.5 0.25 0.1 1\n2 0.333 0.5 0.5 0.5\n", string(out))
	require.Empty(t, FormatLabels(nil))
}

func TestInDirAndStem(t *testing.T) {
	require.True(t, inDir("frames/a.jpg", "frames"))
	require.True(t, inDir("batch/frames/a.jpg", "frames"))
	require.False(t, inDir("myframes/a.jpg", "frames"))
	require.Equal(t, "img_001", stem("x/detections/img_001.txt"))
	require.Equal(t, "a/b.jpg", cleanPath(`a\b.jpg`))
	require.Equal(t, "b.jpg", cleanPath("../b.jpg"))
	require.Equal(t, "data/run1", datasetRoot("data/run1/frames/a.jpg", "frames"))
	require.Equal(t, "", datasetRoot("frames/a.jpg", "frames"))
	require.Equal(t, "run2", datasetRoot("run2/detections/a.txt", "detections"))
}
