package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/text/width"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

var sizeLabels = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatSize renders bytes in binary units, e.g. "1.5 MiB". Negative sizes
// come from servers that omit getcontentlength and render as "-".
func formatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}

	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}

	v := float64(bytes)
	i := 0

	for v >= 1024 && i < len(sizeLabels)-1 {
		v /= 1024
		i++
	}

	return fmt.Sprintf("%.1f %s", v, sizeLabels[i])
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

// formatOptionalTime is formatTime with "-" for servers that omit
// getlastmodified.
func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	return formatTime(t.Local())
}

// printTable writes aligned columns to w. Widths are measured in terminal
// cells, so names in CJK scripts line up with ASCII ones.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = cellWidth(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], cellWidth(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	var b strings.Builder

	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}

		b.WriteString(cell)

		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-cellWidth(cell)))
		}
	}

	fmt.Fprintln(w, b.String())
}

// cellWidth counts wide and fullwidth runes as two terminal cells.
func cellWidth(s string) int {
	n := 0

	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}

	return n
}
