package models

type Coordinate struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type Surface struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

type SurfaceEntry struct {
	Coordinate
	Surface *Surface `json:"surface"`
}
