// Package captions renders a finished transcription into the subtitle and
// transport formats clients can request.
package captions

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hbomb79/Scribe/internal/job"
)

type Format string

const (
	FormatVTT  Format = "vtt"
	FormatSRT  Format = "srt"
	FormatTXT  Format = "txt"
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

var ErrUnsupportedFormat = errors.New("output format not supported")

// Options control how long cues are broken across lines. HighlightWords is
// accepted for parity with engine output options but segment-level results
// carry no per-word timing, so it has no effect.
type Options struct {
	MaxLineWidth   int
	MaxLineCount   int
	HighlightWords bool
}

func DefaultOptions() Options {
	return Options{MaxLineWidth: 55, MaxLineCount: 2, HighlightWords: false}
}

// Supported reports whether the given format tag can be rendered.
func Supported(format Format) bool {
	switch format {
	case FormatVTT, FormatSRT, FormatTXT, FormatCSV, FormatTSV, FormatJSON:
		return true
	}

	return false
}

// Render writes the result to w in the requested format. Returns
// ErrUnsupportedFormat for unknown format tags.
func Render(w io.Writer, result *job.Result, format Format, opts Options) error {
	switch format {
	case FormatVTT:
		return writeVTT(w, result, opts)
	case FormatSRT:
		return writeSRT(w, result, opts)
	case FormatTXT:
		return writeTXT(w, result)
	case FormatCSV:
		return writeCSV(w, result)
	case FormatTSV:
		return writeTSV(w, result)
	case FormatJSON:
		return writeJSON(w, result)
	}

	return ErrUnsupportedFormat
}

func writeVTT(w io.Writer, result *job.Result, opts Options) error {
	if _, err := io.WriteString(w, "WEBVTT\n\n"); err != nil {
		return err
	}

	for _, segment := range result.Segments {
		cue := fmt.Sprintf(
			"%s --> %s\n%s\n\n",
			formatTimestamp(segment.Start, false, "."),
			formatTimestamp(segment.End, false, "."),
			wrapLines(segment.Text, opts),
		)
		if _, err := io.WriteString(w, cue); err != nil {
			return err
		}
	}

	return nil
}

func writeSRT(w io.Writer, result *job.Result, opts Options) error {
	for i, segment := range result.Segments {
		cue := fmt.Sprintf(
			"%d\n%s --> %s\n%s\n\n",
			i+1,
			formatTimestamp(segment.Start, true, ","),
			formatTimestamp(segment.End, true, ","),
			wrapLines(segment.Text, opts),
		)
		if _, err := io.WriteString(w, cue); err != nil {
			return err
		}
	}

	return nil
}

func writeTXT(w io.Writer, result *job.Result) error {
	for _, segment := range result.Segments {
		if _, err := io.WriteString(w, strings.TrimSpace(segment.Text)+"\n"); err != nil {
			return err
		}
	}

	return nil
}

// writeTSV emits one row per segment with start/end in integer milliseconds.
func writeTSV(w io.Writer, result *job.Result) error {
	if _, err := io.WriteString(w, "start\tend\ttext\n"); err != nil {
		return err
	}

	for _, segment := range result.Segments {
		text := strings.ReplaceAll(strings.TrimSpace(segment.Text), "\t", " ")
		row := fmt.Sprintf("%d\t%d\t%s\n", toMillis(segment.Start), toMillis(segment.End), text)
		if _, err := io.WriteString(w, row); err != nil {
			return err
		}
	}

	return nil
}

func writeCSV(w io.Writer, result *job.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"start", "end", "text"}); err != nil {
		return err
	}

	for _, segment := range result.Segments {
		record := []string{
			fmt.Sprintf("%d", toMillis(segment.Start)),
			fmt.Sprintf("%d", toMillis(segment.End)),
			strings.TrimSpace(segment.Text),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, result *job.Result) error {
	return json.NewEncoder(w).Encode(result)
}

// formatTimestamp renders seconds as [HH:]MM:SS<marker>mmm. Hours are
// only emitted when non-zero unless alwaysIncludeHours is set (SRT
// requires them, VTT omits them for short media).
func formatTimestamp(seconds float64, alwaysIncludeHours bool, decimalMarker string) string {
	if seconds < 0 {
		seconds = 0
	}

	totalMillis := toMillis(seconds)
	hours := totalMillis / 3_600_000
	totalMillis -= hours * 3_600_000
	minutes := totalMillis / 60_000
	totalMillis -= minutes * 60_000
	secs := totalMillis / 1_000
	millis := totalMillis - secs*1_000

	hoursMarker := ""
	if alwaysIncludeHours || hours > 0 {
		hoursMarker = fmt.Sprintf("%02d:", hours)
	}

	return fmt.Sprintf("%s%02d:%02d%s%03d", hoursMarker, minutes, secs, decimalMarker, millis)
}

func toMillis(seconds float64) int64 {
	return int64(seconds*1000 + 0.5)
}

// wrapLines breaks cue text at word boundaries so no line exceeds the
// configured width. Text that would need more than MaxLineCount lines keeps
// its extra lines rather than being truncated.
func wrapLines(text string, opts Options) string {
	text = strings.TrimSpace(text)
	if opts.MaxLineWidth <= 0 {
		return text
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}

	lines := make([]string, 0, opts.MaxLineCount)
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) > opts.MaxLineWidth {
			lines = append(lines, current)
			current = word
			continue
		}

		current += " " + word
	}
	lines = append(lines, current)

	return strings.Join(lines, "\n")
}
