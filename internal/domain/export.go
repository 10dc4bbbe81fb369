// Package domain contains the core export concepts. Keep this package free
// of transport (HTTP) and infrastructure (Chrome/PDF) concerns.
package domain

import "errors"

// MaxArea caps width*height for a single export.
const MaxArea = int64(20000) * 20000

var (
	// ErrBadRequest covers missing format, missing diagram XML, and
	// oversized dimensions. Callers map it to a 400.
	ErrBadRequest = errors.New("bad request")
	// ErrUnsupportedFormat marks a format value outside png/jpg/jpeg/pdf.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// ExportRequest is built once per call from the merged request fields and
// owned by the worker handling it. Renderer pass-through fields stay
// strings; the viewer interprets them.
type ExportRequest struct {
	Format string
	// XML holds the extracted diagram; empty until extraction ran.
	XML string
	// XMLData is the base64+deflate compressed form, when supplied.
	XMLData string

	Width  int
	Height int
	Scale  float64

	Crop       string
	Border     string
	Bg         string
	AllPages   bool
	From       string
	To         string
	PageID     string
	Extras     string
	PageMargin string

	EmbedXML   bool
	EmbedData  bool
	DataHeader string
	Data       string

	DPI      string
	Filename string
	Base64   bool
}

// IsImage reports whether the request targets a raster format.
func (r *ExportRequest) IsImage() bool {
	switch r.Format {
	case "png", "jpg", "jpeg":
		return true
	}
	return false
}

// Validate rejects requests before any rendering work begins.
func (r *ExportRequest) Validate() error {
	if r.Format == "" || r.XML == "" {
		return ErrBadRequest
	}
	if int64(r.Width)*int64(r.Height) > MaxArea {
		return ErrBadRequest
	}
	if !r.IsImage() && r.Format != "pdf" {
		return ErrUnsupportedFormat
	}
	return nil
}

// Bounds is the renderer-reported drawing extent.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RenderResult is produced by the render orchestrator and consumed once by
// the formatting stage.
type RenderResult struct {
	// Data holds the raster bytes for image formats.
	Data []byte
	// PDFParts holds one buffer per rendered page for the pdf format.
	PDFParts [][]byte

	Bounds    *Bounds
	PageID    string
	Scale     string
	PageCount int

	// Width and Height are the effective capture viewport.
	Width  int
	Height int
}
