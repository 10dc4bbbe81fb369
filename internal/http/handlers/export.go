// Package handlers implements the export endpoint: merge the request
// fields, extract the diagram XML, drive one render, then post-process
// the captured bytes into the response format.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"drawio-export/internal/config"
	"drawio-export/internal/domain"
	"drawio-export/internal/extract"
	"drawio-export/internal/infra/chrome"
	"drawio-export/internal/infra/logging"
	"drawio-export/internal/pdfmerge"
	"drawio-export/internal/pngmeta"
	"drawio-export/internal/render"
)

// RenderFunc produces the raw render output for a request. Injectable so
// handler tests run without a browser.
type RenderFunc func(ctx context.Context, req *domain.ExportRequest) (*domain.RenderResult, error)

// ExportService bundles configuration and the render backend.
type ExportService struct {
	Config config.Config
	Render RenderFunc
}

// NewExportService creates a service backed by a headless Chrome renderer
// scoped to the given worker identity.
func NewExportService(cfg config.Config, workerID string) *ExportService {
	r := render.New(cfg, workerID)
	return &ExportService{Config: cfg, Render: r.Render}
}

// HandleExport returns a Fiber handler for export requests.
func HandleExport(cfg config.Config, workerID string) fiber.Handler {
	svc := NewExportService(cfg, workerID)
	return svc.HandleExport
}

// HandleExport runs one export end to end.
func (svc *ExportService) HandleExport(c *fiber.Ctx) error {
	start := time.Now()
	req := buildRequest(mergeParams(c))

	xml, err := extract.FromRequest(req)
	if err != nil {
		logging.Error("Diagram extraction failed", "ip", c.IP(), "xmldata_len", len(req.XMLData), "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Error!")
	}
	req.XML = xml

	if err := req.Validate(); err != nil {
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			return fiber.NewError(fiber.StatusBadRequest, "Unsupported Format!")
		}
		return fiber.NewError(fiber.StatusBadRequest, "BAD REQUEST")
	}

	res, err := svc.Render(c.UserContext(), req)
	if err != nil {
		if chrome.IsSessionInterrupted(err) {
			logging.Warn("Render engine interrupted", "ip", c.IP(), "format", req.Format, "error", err.Error())
		} else {
			logging.Error("Export failed", "ip", c.IP(), "format", req.Format,
				"w", req.Width, "h", req.Height, "scale", req.Scale, "bg", req.Bg,
				"xml_len", len(req.XML), "error", err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "Error!")
	}

	data, contentType, err := svc.finish(req, res)
	if err != nil {
		logging.Error("Export post-processing failed", "ip", c.IP(), "format", req.Format, "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Error!")
	}

	c.Set("Access-Control-Allow-Origin", "*")
	if req.IsImage() {
		c.Set("content-ex-width", strconv.Itoa(res.Width))
		c.Set("content-ex-height", strconv.Itoa(res.Height))
	}
	if res.PageID != "" && res.PageID != "undefined" {
		c.Set("content-page-id", res.PageID)
	}
	if res.Scale != "" && res.Scale != "undefined" {
		c.Set("content-scale", res.Scale)
	}
	if req.Base64 {
		data = []byte(base64.StdEncoding.EncodeToString(data))
		contentType = "text/plain"
	}
	if req.Filename != "" {
		c.Set("Content-Disposition", `attachment; filename="`+req.Filename+
			`"; filename*=UTF-8''`+escapeComponent(req.Filename))
	}
	c.Set("Content-Type", contentType)

	logging.Info("Export completed", "ip", c.IP(), "format", req.Format,
		"bytes", len(data), "dt_ms", time.Since(start).Milliseconds())
	return c.Send(data)
}

// finish turns the raw render output into the response payload: metadata
// chunks for PNG, merge or subject embedding for PDF.
func (svc *ExportService) finish(req *domain.ExportRequest, res *domain.RenderResult) ([]byte, string, error) {
	if req.IsImage() {
		data := res.Data
		if req.Format == "png" {
			var err error
			if req.DPI != "" {
				if data, err = pngmeta.Inject(data, "dpi", req.DPI, false); err != nil {
					return nil, "", err
				}
			}
			if req.EmbedXML {
				if data, err = pngmeta.Inject(data, "mxGraphModel", req.XML, true); err != nil {
					return nil, "", err
				}
			}
			if req.EmbedData && req.DataHeader != "" {
				if data, err = pngmeta.Inject(data, req.DataHeader, req.Data, true); err != nil {
					return nil, "", err
				}
			}
		}
		return data, "image/" + req.Format, nil
	}

	embed := ""
	if req.EmbedXML {
		embed = req.XML
	}
	if len(res.PDFParts) == 0 {
		return nil, "", errors.New("empty pdf output")
	}
	if len(res.PDFParts) > 1 {
		data, err := pdfmerge.Merge(res.PDFParts, embed)
		if err != nil {
			return nil, "", err
		}
		return data, "application/pdf", nil
	}

	data := res.PDFParts[0]
	if embed != "" {
		var err error
		// Attachments corrupt internal links in viewer-produced files,
		// so a single document carries the diagram in its subject.
		if data, err = pdfmerge.EmbedSubject(data, embed); err != nil {
			return nil, "", err
		}
	}
	return data, "application/pdf", nil
}

// mergeParams flattens the request into one string map. Body fields are
// overridden by route parameters, which are overridden by the query.
func mergeParams(c *fiber.Ctx) map[string]string {
	vals := make(map[string]string)

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		dec := json.NewDecoder(strings.NewReader(string(c.Body())))
		dec.UseNumber()
		var body map[string]interface{}
		if dec.Decode(&body) == nil {
			for k, v := range body {
				switch t := v.(type) {
				case string:
					vals[k] = t
				case json.Number:
					vals[k] = t.String()
				case bool:
					if t {
						vals[k] = "1"
					}
				}
			}
		}
	} else {
		c.Request().PostArgs().VisitAll(func(key, value []byte) {
			vals[string(key)] = string(value)
		})
	}

	for k, v := range c.AllParams() {
		vals[k] = v
	}
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		vals[string(key)] = string(value)
	})
	return vals
}

func buildRequest(vals map[string]string) *domain.ExportRequest {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	scale, _ := strconv.ParseFloat(vals["scale"], 64)

	return &domain.ExportRequest{
		Format:  vals["format"],
		XML:     vals["xml"],
		XMLData: vals["xmldata"],

		Width:  atoi(vals["w"]),
		Height: atoi(vals["h"]),
		Scale:  scale,

		Crop:       vals["crop"],
		Border:     vals["border"],
		Bg:         vals["bg"],
		AllPages:   vals["allPages"] != "",
		From:       vals["from"],
		To:         vals["to"],
		PageID:     vals["pageId"],
		Extras:     vals["extras"],
		PageMargin: vals["pageMargin"],

		EmbedXML:   vals["embedXml"] == "1",
		EmbedData:  vals["embedData"] == "1",
		DataHeader: vals["dataHeader"],
		Data:       vals["data"],

		DPI:      vals["dpi"],
		Filename: vals["filename"],
		Base64:   vals["base64"] == "1",
	}
}

// escapeComponent percent-encodes for the RFC 5987 filename* parameter.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
