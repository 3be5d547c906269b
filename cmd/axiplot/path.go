package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"axiplot/pkg/config"
	"axiplot/pkg/errors"
	"axiplot/pkg/planner"
)

// Polyline is a connected pen-down stroke in mm page coordinates.
type Polyline [][2]float64

// ParsePath reads a plain-text path file: one "x y" point per line, '#'
// starts a comment, a blank line lifts the pen and starts a new stroke.
func ParsePath(r io.Reader) ([]Polyline, error) {
	var (
		polys   []Polyline
		current Polyline
	)
	flush := func() {
		if len(current) >= 2 {
			polys = append(polys, current)
		}
		current = nil
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		clean := fields[:0]
		for _, f := range fields {
			if f != "" {
				clean = append(clean, f)
			}
		}
		if len(clean) != 2 {
			return nil, errors.New(errors.ErrPlannerInput,
				"line %d: want two coordinates, got %q", lineNo, line)
		}
		x, errX := strconv.ParseFloat(clean[0], 64)
		y, errY := strconv.ParseFloat(clean[1], 64)
		if errX != nil || errY != nil {
			return nil, errors.New(errors.ErrPlannerInput,
				"line %d: bad coordinates %q", lineNo, line)
		}
		current = append(current, [2]float64{x, y})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigIO, "read path failed")
	}
	flush()
	return polys, nil
}

// drawableArea returns the pen-reachable rectangle from the page settings,
// honoring orientation.
func drawableArea(page config.Page) (x0, y0, x1, y1 float64) {
	w, h := page.PaperWidth, page.PaperHeight
	if page.Orientation == "landscape" && h > w {
		w, h = h, w
	}
	return page.MarginLeft, page.MarginTop, w - page.MarginRight, h - page.MarginBottom
}

// TestPattern builds a frame-and-diagonals calibration pattern filling the
// drawable area.
func TestPattern(page config.Page) []Polyline {
	x0, y0, x1, y1 := drawableArea(page)
	return []Polyline{
		{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}},
		{{x0, y0}, {x1, y1}},
		{{x1, y0}, {x0, y1}},
	}
}

// SegmentsFromPolylines turns strokes into planner segments: a pen-up
// travel to each stroke's start, then pen-down moves along it.
func SegmentsFromPolylines(polys []Polyline, feed float64) []planner.Segment {
	var segments []planner.Segment
	for _, poly := range polys {
		if len(poly) < 2 {
			continue
		}
		segments = append(segments, planner.Segment{
			Target:  poly[0],
			Feed:    feed,
			PenDown: false,
		})
		for _, point := range poly[1:] {
			segments = append(segments, planner.Segment{
				Target:  point,
				Feed:    feed,
				PenDown: true,
			})
		}
	}
	return segments
}
