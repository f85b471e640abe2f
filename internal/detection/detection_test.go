package detection

import (
	"math"
	"testing"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

func TestNormalize_InRangeUnchanged(t *testing.T) {
	boxes := []RawBox{
		{XMin: 0, YMin: 0, XMax: 1000, YMax: 1000},
		{XMin: 100, YMin: 100, XMax: 200, YMax: 150},
		{XMin: 500, YMin: 100, XMax: 200, YMax: 150},
		{XMin: 999.5, YMin: 0.25, XMax: 1, YMax: 3},
	}
	for _, b := range boxes {
		if got := Normalize(b); got != b {
			t.Errorf("Normalize(%+v) = %+v, want unchanged", b, got)
		}
		// Applying it twice is also a no-op.
		if got := Normalize(Normalize(b)); got != b {
			t.Errorf("Normalize twice changed %+v", b)
		}
	}
}

func TestNormalize_RescalesPixelCoordinates(t *testing.T) {
	got := Normalize(RawBox{XMin: 640, YMin: 360, XMax: 1280, YMax: 720})
	want := RawBox{XMin: 500, YMin: 500, XMax: 1000, YMax: 1000}
	if got != want {
		t.Errorf("Normalize = %+v, want %+v", got, want)
	}
}

func TestNormalize_AxesIndependent(t *testing.T) {
	// Only x is out of range, but both axes are rescaled by their own maximum.
	got := Normalize(RawBox{XMin: 960, YMin: 100, XMax: 1920, YMax: 400})
	if got.XMin != 500 || got.XMax != 1000 {
		t.Errorf("x axis = (%v,%v), want (500,1000)", got.XMin, got.XMax)
	}
	if got.YMin != 250 || got.YMax != 1000 {
		t.Errorf("y axis = (%v,%v), want (250,1000)", got.YMin, got.YMax)
	}
}

func TestNormalize_NonPositiveAxisUntouched(t *testing.T) {
	got := Normalize(RawBox{XMin: -20, YMin: 100, XMax: -5, YMax: 400})
	if got.XMin != -20 || got.XMax != -5 {
		t.Errorf("x axis rescaled despite non-positive maximum: %+v", got)
	}
	if IsValid(got) {
		t.Error("negative box should be invalid")
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		box  RawBox
		want bool
	}{
		{"basic valid", RawBox{XMin: 100, YMin: 100, XMax: 200, YMax: 150}, true},
		{"min greater than max", RawBox{XMin: 500, YMin: 100, XMax: 200, YMax: 150}, false},
		{"full frame", RawBox{XMin: 0, YMin: 0, XMax: 1000, YMax: 1000}, true},
		{"too narrow", RawBox{XMin: 100, YMin: 100, XMax: 110, YMax: 200}, false},
		{"too short", RawBox{XMin: 100, YMin: 100, XMax: 200, YMax: 110}, false},
		{"just over min side", RawBox{XMin: 100, YMin: 100, XMax: 110.5, YMax: 110.5}, true},
		{"equal min max", RawBox{XMin: 100, YMin: 100, XMax: 100, YMax: 200}, false},
		{"negative", RawBox{XMin: -1, YMin: 100, XMax: 200, YMax: 200}, false},
		{"beyond scale", RawBox{XMin: 100, YMin: 100, XMax: 1000.1, YMax: 200}, false},
		{"nan", RawBox{XMin: math.NaN(), YMin: 100, XMax: 200, YMax: 200}, false},
		{"inf", RawBox{XMin: 100, YMin: 100, XMax: math.Inf(1), YMax: 200}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.box); got != tt.want {
				t.Errorf("IsValid(%+v) = %v, want %v", tt.box, got, tt.want)
			}
			// Validity ignores category and confidence.
			other := tt.box
			other.Category = "hovercraft"
			other.Confidence = -3
			if IsValid(other) != tt.want {
				t.Error("IsValid depends on non-coordinate fields")
			}
		})
	}
}

func TestFoldCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sedan", Cars},
		{"SUV", Cars},
		{"Car", Cars},
		{"hatchback", Cars},
		{"minivan", Cars},
		{"pickup", Trucks},
		{"Pickup Truck", Trucks},
		{"semi-trailer", Trucks},
		{"box van", Trucks},
		{"school bus", Buses},
		{"Coach", Buses},
		{"fire truck", Emergency},
		{"Police car", Emergency},
		{"ambulance", Emergency},
		{"dump truck", Construction},
		{"excavator", Construction},
		{"hovercraft", OtherVehicles},
		{"motorcycle", OtherVehicles},
		{"", OtherVehicles},
		{"   ", OtherVehicles},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := FoldCategory(tt.in); got != tt.want {
				t.Errorf("FoldCategory(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAggregate_Confidence(t *testing.T) {
	boxes := []storage.BoundingBox{
		{Category: Cars, Confidence: 0.9, IsValid: true},
		{Category: Cars, Confidence: 0.8, IsValid: true},
		{Category: Trucks, Confidence: -1, IsValid: true},
	}
	sum := Aggregate(boxes)
	if math.Abs(sum.ConfidenceScore-0.85) > 1e-9 {
		t.Errorf("confidence = %v, want 0.85", sum.ConfidenceScore)
	}
	if sum.TotalBoxes != 3 {
		t.Errorf("total = %d, want 3", sum.TotalBoxes)
	}
	if sum.Counts.Cars != 2 || sum.Counts.Trucks != 1 {
		t.Errorf("counts = %+v", sum.Counts)
	}
}

func TestAggregate_Empty(t *testing.T) {
	sum := Aggregate(nil)
	if sum.ConfidenceScore != 0 || sum.TotalBoxes != 0 {
		t.Errorf("empty aggregate = %+v", sum)
	}
}

func TestAggregate_InvalidBoxesCountedInTotalOnly(t *testing.T) {
	boxes := []storage.BoundingBox{
		{Category: Cars, Confidence: 0.9, IsValid: true},
		{Category: Cars, Confidence: 0.1, IsValid: false},
		{Category: OtherVehicles, Confidence: 1.5, IsValid: true},
	}
	sum := Aggregate(boxes)
	if sum.TotalBoxes != 3 {
		t.Errorf("total = %d, want 3", sum.TotalBoxes)
	}
	if sum.Counts.Cars != 1 || sum.Counts.Other != 1 {
		t.Errorf("counts = %+v", sum.Counts)
	}
	if sum.ConfidenceScore != 0.9 {
		t.Errorf("confidence = %v, want 0.9", sum.ConfidenceScore)
	}
}

func TestAnalyze_EndToEndBoxes(t *testing.T) {
	raw := "```json\n" + `{"bounding_boxes":[
		{"vehicle_type":"car","x_min":100,"y_min":100,"x_max":300,"y_max":300,"confidence_score":0.9},
		{"vehicle_type":"car","x_min":400,"y_min":100,"x_max":200,"y_max":300,"confidence_score":0.7}
	]}` + "\n```"
	boxes, sum, err := Analyze(raw)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(boxes) != 2 {
		t.Fatalf("boxes = %d, want 2", len(boxes))
	}
	if !boxes[0].IsValid || boxes[1].IsValid {
		t.Errorf("validity = (%v,%v), want (true,false)", boxes[0].IsValid, boxes[1].IsValid)
	}
	if sum.TotalBoxes != 2 || sum.Counts.Cars != 1 || sum.ConfidenceScore != 0.9 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestBuild_NormalizesPixelBoxes(t *testing.T) {
	boxes := Build([]RawBox{{Category: "Sedan", XMin: 640, YMin: 360, XMax: 1280, YMax: 720, Confidence: 0.6}})
	b := boxes[0]
	if b.Category != Cars {
		t.Errorf("category = %q, want cars", b.Category)
	}
	if b.XMin != 500 || b.YMax != 1000 || !b.IsValid {
		t.Errorf("box = %+v", b)
	}
}
