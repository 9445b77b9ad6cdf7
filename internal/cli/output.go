// Package cli provides the command-line interface for the broker gateway.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

type tone int

const (
	toneGood tone = iota
	toneBad
	toneWarn
	toneInfo
	toneStrong
	toneMuted
)

var palette = map[tone]*color.Color{
	toneGood:   color.New(color.FgGreen),
	toneBad:    color.New(color.FgRed),
	toneWarn:   color.New(color.FgYellow),
	toneInfo:   color.New(color.FgCyan),
	toneStrong: color.New(color.Bold),
	toneMuted:  color.New(color.Faint),
}

// Output writes command results either as colored text or, with --json, as
// indented JSON.
type Output struct {
	w        io.Writer
	jsonMode bool
	colored  bool
}

// NewOutput reads the --json flag from cmd.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{w: cmd.OutOrStdout(), jsonMode: jsonMode, colored: !jsonMode && !color.NoColor}
}

func (o *Output) IsJSON() bool { return o.jsonMode }

func (o *Output) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Output) Println(args ...any)               { fmt.Fprintln(o.w, args...) }
func (o *Output) Printf(format string, args ...any) { fmt.Fprintf(o.w, format, args...) }

func (o *Output) paint(t tone, s string) string {
	if !o.colored {
		return s
	}
	c := palette[t]
	c.EnableColor()
	return c.Sprint(s)
}

func (o *Output) line(t tone, format string, args ...any) {
	fmt.Fprintln(o.w, o.paint(t, fmt.Sprintf(format, args...)))
}

func (o *Output) Success(format string, args ...any) { o.line(toneGood, format, args...) }
func (o *Output) Error(format string, args ...any)   { o.line(toneBad, format, args...) }
func (o *Output) Warning(format string, args ...any) { o.line(toneWarn, format, args...) }
func (o *Output) Info(format string, args ...any)    { o.line(toneInfo, format, args...) }
func (o *Output) Bold(format string, args ...any)    { o.line(toneStrong, format, args...) }
func (o *Output) Dim(format string, args ...any)     { o.line(toneMuted, format, args...) }

func (o *Output) Green(s string) string    { return o.paint(toneGood, s) }
func (o *Output) Red(s string) string      { return o.paint(toneBad, s) }
func (o *Output) Yellow(s string) string   { return o.paint(toneWarn, s) }
func (o *Output) Cyan(s string) string     { return o.paint(toneInfo, s) }
func (o *Output) BoldText(s string) string { return o.paint(toneStrong, s) }
func (o *Output) DimText(s string) string  { return o.paint(toneMuted, s) }

// Status marks an active credential with a filled dot.
func (o *Output) Status(s models.CredentialStatus) string {
	if s == models.StatusActive {
		return o.Green("● " + string(s))
	}
	return o.Yellow("○ " + string(s))
}

// OrderStatus colors terminal states; anything still working is yellow.
func (o *Output) OrderStatus(s models.OrderStatus) string {
	t := toneWarn
	switch s {
	case models.OrderStatusComplete:
		t = toneGood
	case models.OrderStatusRejected, models.OrderStatusCancelled:
		t = toneBad
	case models.OrderStatusUnknown:
		t = toneMuted
	}
	return o.paint(t, string(s))
}

func (o *Output) FormatPnL(pnl float64) string {
	s := utils.FormatPnL(pnl)
	switch {
	case pnl > 0:
		return o.Green(s)
	case pnl < 0:
		return o.Red(s)
	}
	return s
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visibleLen is the printed width of s, ignoring color codes.
func visibleLen(s string) int {
	return len([]rune(ansiPattern.ReplaceAllString(s, "")))
}

func pad(s string, width int) string {
	if n := width - visibleLen(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// Table buffers rows and aligns columns on Render.
type Table struct {
	out     *Output
	headers []string
	rows    [][]string
}

func NewTable(out *Output, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

func (t *Table) AddRow(cells ...string) { t.rows = append(t.rows, cells) }

func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], visibleLen(row[i]))
		}
	}

	format := func(row []string, header bool) string {
		cells := make([]string, 0, len(widths))
		for i := 0; i < len(row) && i < len(widths); i++ {
			cell := pad(row[i], widths[i])
			if header {
				cell = t.out.paint(toneStrong, cell)
			}
			cells = append(cells, cell)
		}
		return strings.TrimRight(strings.Join(cells, "  "), " ")
	}

	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("─", w)
	}

	t.out.Println(format(t.headers, true))
	t.out.Println(t.out.paint(toneMuted, strings.Join(rule, "──")))
	for _, row := range t.rows {
		t.out.Println(format(row, false))
	}
}

// Box frames a titled block of lines.
func (o *Output) Box(title string, lines []string) {
	inner := visibleLen(title)
	for _, l := range lines {
		inner = max(inner, visibleLen(l))
	}
	edge := strings.Repeat("─", inner+2)
	bar := o.paint(toneMuted, "│")

	o.Println(o.paint(toneMuted, "┌"+edge+"┐"))
	o.Printf("%s %s %s\n", bar, pad(o.paint(toneStrong, title), inner), bar)
	o.Println(o.paint(toneMuted, "├"+edge+"┤"))
	for _, l := range lines {
		o.Printf("%s %s %s\n", bar, pad(l, inner), bar)
	}
	o.Println(o.paint(toneMuted, "└"+edge+"┘"))
}
