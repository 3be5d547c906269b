package main

import (
	"strings"
	"testing"

	"axiplot/pkg/config"
	"axiplot/pkg/errors"
)

func TestParsePath(t *testing.T) {
	input := `
# square, then a separate line
0 0
10, 0
10 10

20 20
30 30  # diagonal
`
	polys, err := ParsePath(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	if len(polys) != 2 {
		t.Fatalf("got %d strokes, want 2: %v", len(polys), polys)
	}
	if len(polys[0]) != 3 || polys[0][1] != [2]float64{10, 0} {
		t.Errorf("first stroke = %v", polys[0])
	}
	if len(polys[1]) != 2 || polys[1][1] != [2]float64{30, 30} {
		t.Errorf("second stroke = %v", polys[1])
	}
}

func TestParsePathRejectsBadLines(t *testing.T) {
	for _, input := range []string{"1 2 3\n", "abc def\n", "1\n"} {
		if _, err := ParsePath(strings.NewReader(input)); !errors.Is(err, errors.ErrPlannerInput) {
			t.Errorf("input %q: got %v, want PLANNER_INPUT", input, err)
		}
	}
}

func TestParsePathDropsSinglePoints(t *testing.T) {
	polys, err := ParsePath(strings.NewReader("5 5\n\n0 0\n1 1\n"))
	if err != nil {
		t.Fatalf("ParsePath failed: %v", err)
	}
	if len(polys) != 1 {
		t.Errorf("got %d strokes, want 1 (single point dropped)", len(polys))
	}
}

func TestTestPatternFitsMargins(t *testing.T) {
	page := config.Default("minikit2").Page
	polys := TestPattern(page)
	if len(polys) != 3 {
		t.Fatalf("got %d strokes, want 3", len(polys))
	}
	for _, poly := range polys {
		for _, p := range poly {
			if p[0] < page.MarginLeft || p[0] > page.PaperWidth-page.MarginRight {
				t.Errorf("x=%g outside margins", p[0])
			}
			if p[1] < page.MarginTop || p[1] > page.PaperHeight-page.MarginBottom {
				t.Errorf("y=%g outside margins", p[1])
			}
		}
	}
}

func TestSegmentsFromPolylines(t *testing.T) {
	polys := []Polyline{
		{{0, 0}, {10, 0}, {10, 10}},
		{{20, 20}, {30, 30}},
	}
	segments := SegmentsFromPolylines(polys, 50)
	if len(segments) != 5 {
		t.Fatalf("got %d segments, want 5", len(segments))
	}
	// Travel moves lead each stroke; drawing moves follow.
	wantPen := []bool{false, true, true, false, true}
	for i, pen := range wantPen {
		if segments[i].PenDown != pen {
			t.Errorf("segment %d pen = %v, want %v", i, segments[i].PenDown, pen)
		}
		if segments[i].Feed != 50 {
			t.Errorf("segment %d feed = %g, want 50", i, segments[i].Feed)
		}
	}
	if segments[3].Target != [2]float64{20, 20} {
		t.Errorf("second travel target = %v", segments[3].Target)
	}
}
