package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Document is a route together with everything computed for it. Top level
// keys this service does not know about are kept in Extensions and written
// back inline, so a document reads back the way it was saved.
type Document struct {
	ID               string                     `json:"id,omitempty"`
	Name             string                     `json:"name,omitempty"`
	Description      string                     `json:"description,omitempty"`
	OwnerID          string                     `json:"ownerId,omitempty"`
	Geometry         *Geometry                  `json:"geometry,omitempty"`
	Statistics       *Statistics                `json:"statistics,omitempty"`
	PointsOfInterest []PointOfInterest          `json:"pointsOfInterest,omitempty"`
	Photos           []Photo                    `json:"photos,omitempty"`
	Extensions       map[string]json.RawMessage `json:"-"`
}

var documentKeys = []string{"id", "name", "description", "ownerId", "geometry", "statistics", "pointsOfInterest", "photos"}

func isDocumentKey(key string) bool {
	for _, k := range documentKeys {
		// encoding/json matches struct fields case-insensitively
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// documentFields is Document without its JSON methods.
type documentFields Document

func (d Document) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(documentFields(d))
	if err != nil || len(d.Extensions) == 0 {
		return known, err
	}

	fields := make(map[string]json.RawMessage, len(d.Extensions)+len(documentKeys))
	for k, v := range d.Extensions {
		fields[k] = v
	}
	// typed fields win over an extension of the same name
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var known documentFields
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k := range fields {
		if isDocumentKey(k) {
			delete(fields, k)
		}
	}
	if len(fields) > 0 {
		known.Extensions = fields
	}

	*d = Document(known)
	return nil
}

type Geometry struct {
	Type string `json:"type"`
	// [lon, lat, elevation] triples.
	Coordinates [][]float64 `json:"coordinates"`
}

type Statistics struct {
	Distance  float64         `json:"distance"`
	Elevation Elevation       `json:"elevation"`
	Bounds    Bounds          `json:"bounds"`
	Surfaces  []SurfaceShare  `json:"surfaces,omitempty"`
	Profile   []ProfileSample `json:"profile,omitempty"`
}

type Elevation struct {
	Gain float64 `json:"gain"`
	Loss float64 `json:"loss"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

type SurfaceShare struct {
	Type       string  `json:"type"`
	Percentage float64 `json:"percentage"`
	Distance   float64 `json:"distance"`
}

type ProfileSample struct {
	Distance  float64 `json:"distance"`
	Elevation float64 `json:"elevation"`
}

type PointOfInterest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
	Lon         float64 `json:"lon"`
	Lat         float64 `json:"lat"`
}

type Photo struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Caption string  `json:"caption,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	TakenAt string  `json:"takenAt,omitempty"` // as read from EXIF
}

// StoredDocument is what the backing store keeps for one document id.
type StoredDocument struct {
	ID        string    `json:"id" dynamodbav:"document_id"`
	Body      []byte    `json:"body" dynamodbav:"-"`
	Encoding  string    `json:"encoding" dynamodbav:"encoding"`
	Size      int64     `json:"size" dynamodbav:"size"`
	Revision  int64     `json:"revision" dynamodbav:"revision"`
	ObjectKey string    `json:"-" dynamodbav:"object_key"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// PutOptions constrain a backing store write.
type PutOptions struct {
	// MustExist turns the write into a replace of an existing document.
	MustExist bool
	// ExpectedRevision, when positive, must match the stored revision.
	ExpectedRevision int64
}

type SaveResult struct {
	DocumentID string `json:"documentId"`
	Revision   int64  `json:"revision"`
}

// SaveRequest is one single-shot write. Payload is the serialized document,
// gzip+base64 encoded when Encoding says so.
type SaveRequest struct {
	DocumentID       string `json:"documentId,omitempty"`
	IsUpdate         bool   `json:"isUpdate"`
	Payload          []byte `json:"payload"`
	Encoding         string `json:"encoding,omitempty"`
	ExpectedRevision int64  `json:"expectedRevision,omitempty"`
}

// DocumentView is a decoded document as served to readers and kept in cache.
type DocumentView struct {
	Document Document `json:"document"`
	Revision int64    `json:"revision"`
}
