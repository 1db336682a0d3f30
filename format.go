package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

var titleCaser = cases.Title(language.English)

// statusLabel turns a backend status such as "in_progress" into
// "In Progress" for table output.
func statusLabel(status string) string {
	if status == "" {
		return "-"
	}

	return titleCaser.String(strings.ReplaceAll(status, "_", " "))
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 KB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// formatTimestamp renders an RFC 3339 backend timestamp compactly, passing
// anything else through unchanged.
func formatTimestamp(s string) string {
	if s == "" {
		return "-"
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}

	return formatTime(t.Local())
}

// formatProgress renders a 0..1 or 0..100 progress value as a percentage.
func formatProgress(p float64) string {
	if p <= 0 {
		return "-"
	}

	if p <= 1 {
		p *= 100
	}

	return fmt.Sprintf("%.0f%%", p)
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	const ellipsis = "..."

	if n <= len(ellipsis) {
		return string(r[:n])
	}

	return string(r[:n-len(ellipsis)]) + ellipsis
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
