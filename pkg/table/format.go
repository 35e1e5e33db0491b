package table

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// Format renders rs as "json" (default), "table" or "csv".
func Format(rs *RowSet, format string) (string, error) {
	switch format {
	case "", "json":
		return FormatJSON(rs)
	case "table":
		return FormatTable(rs), nil
	case "csv":
		return FormatDelimited(rs, ',')
	}
	return "", fmt.Errorf("unknown table format %q", format)
}

// FormatJSON renders an array of objects with keys in column order.
func FormatJSON(rs *RowSet) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for r, row := range rs.Rows {
		if r > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i, col := range rs.Columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(col)
			val, err := json.Marshal(row[i])
			if err != nil {
				return "", fmt.Errorf("encode %s.%s: %w", rs.Table, col, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.String(), nil
}

// FormatTable renders a bordered text table.
func FormatTable(rs *RowSet) string {
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers(rs.Columns...).
		Rows(stringRows(rs)...)
	return t.Render()
}

// FormatDelimited renders a header line followed by one record per row.
func FormatDelimited(rs *RowSet, sep rune) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = sep
	if err := w.Write(rs.Columns); err != nil {
		return "", err
	}
	if err := w.WriteAll(stringRows(rs)); err != nil {
		return "", fmt.Errorf("write delimited rows: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func stringRows(rs *RowSet) [][]string {
	out := make([][]string, len(rs.Rows))
	for r, row := range rs.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		out[r] = cells
	}
	return out
}
