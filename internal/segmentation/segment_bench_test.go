package segmentation

import (
	"strings"
	"testing"
)

var benchDocuments = map[string]string{
	"short":  sentences(0, 5),
	"medium": sentences(0, 200),
	"long":   strings.Repeat(sentences(0, 200), 20),
	"tables": strings.Repeat(sentences(0, 20)+tableMarkup(30), 10),
}

func BenchmarkSegment(b *testing.B) {
	for name, text := range benchDocuments {
		pages := singlePage(text)
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				sections := Segment("bench.pdf", pages, Options{})
				_ = sections
			}
		})
	}
}

func BenchmarkSegmentParallel(b *testing.B) {
	text := benchDocuments["medium"]
	pages := singlePage(text)
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			sections := Segment("bench.pdf", pages, Options{})
			_ = sections
		}
	})
}

func BenchmarkFirstSection(b *testing.B) {
	pages := singlePage(benchDocuments["long"])
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		for s := range Sections("bench.pdf", pages, Options{}) {
			_ = s
			break
		}
	}
}

func BenchmarkBuildPageMap(b *testing.B) {
	content := benchDocuments["medium"]
	layout := LayoutResult{
		Content: content,
		Pages:   []LayoutPage{{Number: 1, Offset: 0, Length: len([]rune(content))}},
		Tables: []LayoutTable{{
			PageNumber:  1,
			RowCount:    2,
			ColumnCount: 2,
			Spans:       []TextSpan{{Offset: 10, Length: 40}},
			Cells: []TableCell{
				{RowIndex: 0, ColumnIndex: 0, Kind: "columnHeader", Content: "name"},
				{RowIndex: 0, ColumnIndex: 1, Kind: "columnHeader", Content: "value"},
				{RowIndex: 1, ColumnIndex: 0, Content: "a < b"},
				{RowIndex: 1, ColumnIndex: 1, Content: "1"},
			},
		}},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		pages := BuildPageMap(layout)
		_ = pages
	}
}
