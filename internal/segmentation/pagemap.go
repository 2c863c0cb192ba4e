package segmentation

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode/utf8"
)

// LayoutResult is the output of a layout analysis: the full document content
// plus the page and table spans that index into it. Offsets and lengths count
// characters (runes) of Content.
type LayoutResult struct {
	Content string        `json:"content"`
	Pages   []LayoutPage  `json:"pages"`
	Tables  []LayoutTable `json:"tables,omitempty"`
}

// LayoutPage locates one page inside LayoutResult.Content.
type LayoutPage struct {
	Number int `json:"page_number"`
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// TextSpan is a run of characters inside LayoutResult.Content.
type TextSpan struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// LayoutTable is a table detected on a page.
type LayoutTable struct {
	PageNumber  int         `json:"page_number"`
	RowCount    int         `json:"row_count"`
	ColumnCount int         `json:"column_count"`
	Spans       []TextSpan  `json:"spans"`
	Cells       []TableCell `json:"cells"`
}

// TableCell is one cell of a LayoutTable.
type TableCell struct {
	RowIndex    int    `json:"row_index"`
	ColumnIndex int    `json:"column_index"`
	RowSpan     int    `json:"row_span,omitempty"`
	ColumnSpan  int    `json:"column_span,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Content     string `json:"content"`
}

// BuildPageMap renders each page's text, replacing the characters covered by
// a table with that table's markup, and records the page's offset in the
// concatenated result. Every page is terminated with a single space.
func BuildPageMap(layout LayoutResult) []Page {
	content := []rune(layout.Content)
	pages := make([]Page, 0, len(layout.Pages))
	offset := 0
	for _, lp := range layout.Pages {
		var tables []LayoutTable
		for _, t := range layout.Tables {
			if t.PageNumber == lp.Number {
				tables = append(tables, t)
			}
		}

		tableAt := make([]int, lp.Length)
		for i := range tableAt {
			tableAt[i] = -1
		}
		for id, t := range tables {
			for _, s := range t.Spans {
				for i := 0; i < s.Length; i++ {
					idx := s.Offset - lp.Offset + i
					if idx >= 0 && idx < lp.Length {
						tableAt[idx] = id
					}
				}
			}
		}

		var b strings.Builder
		added := make(map[int]bool, len(tables))
		for idx, id := range tableAt {
			switch {
			case id == -1:
				if pos := lp.Offset + idx; pos < len(content) {
					b.WriteRune(content[pos])
				}
			case !added[id]:
				b.WriteString(TableHTML(tables[id]))
				added[id] = true
			}
		}
		b.WriteByte(' ')

		text := b.String()
		pages = append(pages, Page{Number: lp.Number, Offset: offset, Text: text})
		offset += utf8.RuneCountInString(text)
	}
	return pages
}

// TableHTML renders a table as inline markup, preserving row and column
// spans as attributes and marking header cells with th.
func TableHTML(t LayoutTable) string {
	rows := make([][]TableCell, t.RowCount)
	for _, c := range t.Cells {
		if c.RowIndex >= 0 && c.RowIndex < t.RowCount {
			rows[c.RowIndex] = append(rows[c.RowIndex], c)
		}
	}

	var b strings.Builder
	b.WriteString("<table>")
	for _, cells := range rows {
		sort.SliceStable(cells, func(i, j int) bool { return cells[i].ColumnIndex < cells[j].ColumnIndex })
		b.WriteString("<tr>")
		for _, c := range cells {
			tag := "td"
			if c.Kind == "columnHeader" || c.Kind == "rowHeader" {
				tag = "th"
			}
			attrs := ""
			if c.ColumnSpan > 1 {
				attrs += fmt.Sprintf(" colSpan=%d", c.ColumnSpan)
			}
			if c.RowSpan > 1 {
				attrs += fmt.Sprintf(" rowSpan=%d", c.RowSpan)
			}
			fmt.Fprintf(&b, "<%s%s>%s</%s>", tag, attrs, html.EscapeString(c.Content), tag)
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

// PlainTextLayout treats form feeds as page breaks, for sources that carry
// no layout information.
func PlainTextLayout(content string) LayoutResult {
	parts := strings.Split(content, "\f")
	result := LayoutResult{Content: strings.Join(parts, "")}
	offset := 0
	for i, p := range parts {
		n := utf8.RuneCountInString(p)
		result.Pages = append(result.Pages, LayoutPage{Number: i + 1, Offset: offset, Length: n})
		offset += n
	}
	return result
}
