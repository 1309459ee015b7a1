package main

import (
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline renders values as a one-line bar chart.
func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	minV, maxV := lo.Min(values), lo.Max(values)
	span := maxV - minV

	var sb strings.Builder
	for _, v := range values {
		idx := 0
		if span > 0 {
			idx = int(math.Round((v - minV) / span * float64(len(sparkRunes)-1)))
		}
		sb.WriteRune(sparkRunes[idx])
	}
	return sb.String()
}

// downsample keeps at most n evenly spaced values, always including the last.
func downsample(values []float64, n int) []float64 {
	if n <= 0 || len(values) <= n {
		return values
	}
	if n == 1 {
		return values[len(values)-1:]
	}
	out := make([]float64, 0, n)
	step := float64(len(values)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		out = append(out, values[int(math.Round(float64(i)*step))])
	}
	return out
}

func formatPrice(p float64) string {
	switch {
	case p >= 100:
		return strconv.FormatFloat(p, 'f', 2, 64)
	case p >= 0.01:
		return strconv.FormatFloat(p, 'f', 4, 64)
	default:
		return strconv.FormatFloat(p, 'f', 6, 64)
	}
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%+.2f%%", f*100)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "less than a minute"
	}
	h, m := int(d.Hours()), int(d.Minutes())%60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh%dm", h, m)
	}
}

// leaderboardTable renders standings as an HTML <pre> block.
func leaderboardTable(standings []Standing) string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"#", "Holder", "USC", "Net $"})
	table.SetBorder(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(true)
	table.SetColumnSeparator(" ")
	table.SetCenterSeparator(" ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i, s := range standings {
		table.Append([]string{
			strconv.Itoa(i + 1),
			s.User.DisplayName(),
			s.Coins.String(),
			s.NetWorth.String(),
		})
	}
	table.Render()

	return "<pre>" + html.EscapeString(sb.String()) + "</pre>"
}

func describeEntry(e LedgerEntry) string {
	line := fmt.Sprintf("%s %s %s %s", e.Timestamp.UTC().Format("01-02 15:04"), e.Kind, signed(e.Delta), e.Asset)
	if e.Price > 0 {
		line += " @ $" + formatPrice(e.Price)
	}
	return line + " → " + e.BalanceAfter.String()
}

func signed(a Amount) string {
	if a > 0 {
		return "+" + a.String()
	}
	return a.String()
}
