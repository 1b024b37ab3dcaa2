package captions_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbomb79/Scribe/internal/captions"
	"github.com/hbomb79/Scribe/internal/job"
)

func sampleResult() *job.Result {
	return &job.Result{
		Language: "en",
		Segments: []job.Segment{
			{Start: 0, End: 2.5, Text: " Hello there. "},
			{Start: 2.5, End: 7.04, Text: "General Kenobi."},
			{Start: 3661.5, End: 3663.0, Text: "One hour later."},
		},
	}
}

func render(t *testing.T, format captions.Format, opts captions.Options) string {
	var buf bytes.Buffer
	require.NoError(t, captions.Render(&buf, sampleResult(), format, opts))
	return buf.String()
}

func Test_Render_VTT(t *testing.T) {
	t.Parallel()

	out := render(t, captions.FormatVTT, captions.DefaultOptions())
	expected := "WEBVTT\n\n" +
		"00:00.000 --> 00:02.500\nHello there.\n\n" +
		"00:02.500 --> 00:07.040\nGeneral Kenobi.\n\n" +
		"01:01:01.500 --> 01:01:03.000\nOne hour later.\n\n"
	assert.Equal(t, expected, out)
}

func Test_Render_SRT(t *testing.T) {
	t.Parallel()

	out := render(t, captions.FormatSRT, captions.DefaultOptions())
	expected := "1\n00:00:00,000 --> 00:00:02,500\nHello there.\n\n" +
		"2\n00:00:02,500 --> 00:00:07,040\nGeneral Kenobi.\n\n" +
		"3\n01:01:01,500 --> 01:01:03,000\nOne hour later.\n\n"
	assert.Equal(t, expected, out)
}

func Test_Render_TXT(t *testing.T) {
	t.Parallel()

	out := render(t, captions.FormatTXT, captions.DefaultOptions())
	assert.Equal(t, "Hello there.\nGeneral Kenobi.\nOne hour later.\n", out)
}

func Test_Render_TSV(t *testing.T) {
	t.Parallel()

	out := render(t, captions.FormatTSV, captions.DefaultOptions())
	expected := "start\tend\ttext\n" +
		"0\t2500\tHello there.\n" +
		"2500\t7040\tGeneral Kenobi.\n" +
		"3661500\t3663000\tOne hour later.\n"
	assert.Equal(t, expected, out)
}

func Test_Render_CSV(t *testing.T) {
	t.Parallel()

	out := render(t, captions.FormatCSV, captions.DefaultOptions())
	expected := "start,end,text\n" +
		"0,2500,Hello there.\n" +
		"2500,7040,General Kenobi.\n" +
		"3661500,3663000,One hour later.\n"
	assert.Equal(t, expected, out)
}

func Test_Render_CSVQuotesEmbeddedCommas(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	result := &job.Result{Segments: []job.Segment{{Start: 0, End: 1, Text: "well, actually"}}}
	require.NoError(t, captions.Render(&buf, result, captions.FormatCSV, captions.DefaultOptions()))
	assert.Equal(t, "start,end,text\n0,1000,\"well, actually\"\n", buf.String())
}

func Test_Render_JSONRoundTrips(t *testing.T) {
	t.Parallel()

	out := render(t, captions.FormatJSON, captions.DefaultOptions())
	assert.Contains(t, out, `"language":"en"`)
	assert.Contains(t, out, `"text":" Hello there. "`)
}

func Test_Render_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := captions.Render(&buf, sampleResult(), captions.Format("docx"), captions.DefaultOptions())
	assert.ErrorIs(t, err, captions.ErrUnsupportedFormat)
	assert.False(t, captions.Supported("docx"))
	assert.True(t, captions.Supported(captions.FormatTSV))
}

func Test_Render_WrapsLongCueText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 20)
	result := &job.Result{Segments: []job.Segment{{Start: 0, End: 5, Text: long}}}

	var buf bytes.Buffer
	opts := captions.Options{MaxLineWidth: 20, MaxLineCount: 2}
	require.NoError(t, captions.Render(&buf, result, captions.FormatVTT, opts))

	body := strings.TrimPrefix(buf.String(), "WEBVTT\n\n")
	cueLines := strings.Split(strings.TrimRight(body, "\n"), "\n")[1:]
	require.Greater(t, len(cueLines), 1)
	for _, line := range cueLines {
		assert.LessOrEqual(t, len(line), 20)
	}
}
