package inference

import "github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/ollama"

// Prompt is sent with every image. The coordinate contract it describes is
// what detection.Normalize and detection.IsValid expect.
const Prompt = `You are analyzing a still image from a roadside traffic camera.

Detect every motor vehicle that is visible, including partially visible or distant vehicles.
For each vehicle return its type and a tight bounding box.

Coordinates use a normalized 0-1000 space: (0,0) is the top-left corner of the image and
(1000,1000) is the bottom-right corner, regardless of the actual image resolution.
x_min < x_max and y_min < y_max.

vehicle_type is a short lowercase noun such as "car", "suv", "pickup", "truck",
"semi", "bus", "ambulance", "police car", "fire truck", "dump truck" or "motorcycle".
confidence_score is your confidence in the detection between 0 and 1.

Respond with a single JSON object and nothing else, in exactly this form:
{"bounding_boxes":[{"vehicle_type":"car","x_min":0,"y_min":0,"x_max":0,"y_max":0,"confidence_score":0.0}]}
If there are no vehicles, respond with {"bounding_boxes":[]}.`

// ResponseSchema constrains structured-output capable backends to the shape
// Prompt asks for.
var ResponseSchema = &ollama.Schema{
	Type: "object",
	Properties: map[string]*ollama.Schema{
		"bounding_boxes": {
			Type: "array",
			Items: &ollama.Schema{
				Type: "object",
				Properties: map[string]*ollama.Schema{
					"vehicle_type":     {Type: "string"},
					"x_min":            {Type: "number"},
					"y_min":            {Type: "number"},
					"x_max":            {Type: "number"},
					"y_max":            {Type: "number"},
					"confidence_score": {Type: "number"},
				},
				Required: []string{"vehicle_type", "x_min", "y_min", "x_max", "y_max", "confidence_score"},
			},
		},
	},
	Required: []string{"bounding_boxes"},
}
