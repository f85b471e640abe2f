package detection

import (
	"math"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

// Build normalizes, validates and categorizes parsed boxes. Every input box
// yields one output box; invalid ones are kept with IsValid=false.
func Build(raw []RawBox) []storage.BoundingBox {
	out := make([]storage.BoundingBox, 0, len(raw))
	for _, r := range raw {
		n := Normalize(r)
		out = append(out, storage.BoundingBox{
			Category:   FoldCategory(r.Category),
			XMin:       n.XMin,
			YMin:       n.YMin,
			XMax:       n.XMax,
			YMax:       n.YMax,
			Confidence: r.Confidence,
			IsValid:    IsValid(n),
		})
	}
	return out
}

// Aggregate summarizes boxes. TotalBoxes counts every box; category counts
// cover valid boxes; ConfidenceScore is the mean confidence of valid boxes
// whose confidence lies in [0,1], or 0 when there are none.
func Aggregate(boxes []storage.BoundingBox) storage.Summary {
	sum := storage.Summary{TotalBoxes: len(boxes)}
	var total float64
	var n int
	for _, b := range boxes {
		if !b.IsValid {
			continue
		}
		addCount(&sum.Counts, b.Category)
		if c := b.Confidence; !math.IsNaN(c) && c >= 0 && c <= 1 {
			total += c
			n++
		}
	}
	if n > 0 {
		sum.ConfidenceScore = total / float64(n)
	}
	return sum
}

// Analyze runs the full response pipeline: parse, normalize, validate, fold
// and aggregate. Errors are failure.Malformed.
func Analyze(raw string) ([]storage.BoundingBox, storage.Summary, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, storage.Summary{}, err
	}
	boxes := Build(parsed)
	return boxes, Aggregate(boxes), nil
}

func addCount(c *storage.CategoryCounts, category string) {
	switch category {
	case Cars:
		c.Cars++
	case Trucks:
		c.Trucks++
	case Buses:
		c.Buses++
	case Emergency:
		c.Emergency++
	case Construction:
		c.Construction++
	default:
		c.Other++
	}
}
