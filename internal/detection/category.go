package detection

import "strings"

// Vehicle categories stored on bounding boxes and counted per record.
const (
	Cars          = "cars"
	Trucks        = "trucks"
	Buses         = "buses"
	Emergency     = "emergency"
	Construction  = "construction"
	OtherVehicles = "other_vehicles"
)

// Categories lists the taxonomy in display order.
var Categories = []string{Cars, Trucks, Buses, Emergency, Construction, OtherVehicles}

type categoryRule struct {
	category string
	needles  []string
}

// Evaluated in order; the first rule with a matching substring wins, so
// specific vehicle kinds must come before the generic ones.
var categoryRules = []categoryRule{
	{Emergency, []string{"emergency", "ambulance", "police", "fire", "sheriff", "patrol"}},
	{Construction, []string{"construction", "excavator", "bulldozer", "backhoe", "crane", "loader", "dump", "cement", "concrete", "plow", "roller", "forklift"}},
	{Buses, []string{"bus", "coach", "shuttle"}},
	{Trucks, []string{"truck", "pickup", "lorry", "semi", "tractor", "trailer", "freight", "18-wheeler", "box van"}},
	{Cars, []string{"car", "sedan", "suv", "hatchback", "coupe", "wagon", "minivan", "van", "taxi", "jeep", "crossover", "convertible", "automobile"}},
}

// FoldCategory maps a free-text vehicle type onto the fixed taxonomy using
// case-insensitive substring matching. Unknown types fold to OtherVehicles.
func FoldCategory(vehicleType string) string {
	s := strings.ToLower(strings.TrimSpace(vehicleType))
	if s == "" {
		return OtherVehicles
	}
	for _, r := range categoryRules {
		for _, n := range r.needles {
			if strings.Contains(s, n) {
				return r.category
			}
		}
	}
	return OtherVehicles
}
