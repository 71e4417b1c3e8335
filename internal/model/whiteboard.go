package model

import "time"

// CanvasObject is a single shape on a whiteboard. Updates replace whole fields.
type CanvasObject struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width,omitempty"`
	Height      float64   `json:"height,omitempty"`
	Rotation    float64   `json:"rotation,omitempty"`
	Text        string    `json:"text,omitempty"`
	Fill        string    `json:"fill,omitempty"`
	Stroke      string    `json:"stroke,omitempty"`
	StrokeWidth float64   `json:"strokeWidth,omitempty"`
	FontSize    float64   `json:"fontSize,omitempty"`
	Points      []float64 `json:"points,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WhiteboardDocument is the shared canvas of one room.
type WhiteboardDocument struct {
	RoomID     string         `json:"roomId"`
	Objects    []CanvasObject `json:"objects"`
	Background string         `json:"background"`
	Settings   map[string]any `json:"settings"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (d WhiteboardDocument) Clone() WhiteboardDocument {
	clone := d
	clone.Objects = make([]CanvasObject, len(d.Objects))
	for index, object := range d.Objects {
		if object.Points != nil {
			object.Points = append([]float64(nil), object.Points...)
		}
		clone.Objects[index] = object
	}
	if d.Settings != nil {
		clone.Settings = make(map[string]any, len(d.Settings))
		for key, value := range d.Settings {
			clone.Settings[key] = value
		}
	}
	return clone
}

// Cursor is the ephemeral pointer position of a collaborator.
type Cursor struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Color    string    `json:"color"`
	LastSeen time.Time `json:"lastSeen"`
}
