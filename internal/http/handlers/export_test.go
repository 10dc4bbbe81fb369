package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"drawio-export/internal/config"
	"drawio-export/internal/domain"
)

func newTestApp(renderFn RenderFunc) (*fiber.App, *ExportService) {
	svc := &ExportService{Config: config.Config{}, Render: renderFn}
	app := fiber.New()
	app.All("/*", svc.HandleExport)
	return app, svc
}

func okRender(res *domain.RenderResult) RenderFunc {
	return func(ctx context.Context, req *domain.ExportRequest) (*domain.RenderResult, error) {
		return res, nil
	}
}

func encodedPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func doForm(t *testing.T, app *fiber.App, path string, form url.Values) (int, http.Header, []byte) {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, resp.Header, body
}

func TestHandleExport_MissingXML(t *testing.T) {
	app, _ := newTestApp(okRender(&domain.RenderResult{}))

	status, _, body := doForm(t, app, "/", url.Values{"format": {"png"}})
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if string(body) != "BAD REQUEST" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandleExport_UnsupportedFormat(t *testing.T) {
	app, _ := newTestApp(okRender(&domain.RenderResult{}))

	status, _, body := doForm(t, app, "/", url.Values{
		"format": {"gif"},
		"xml":    {"<mxGraphModel/>"},
	})
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if string(body) != "Unsupported Format!" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandleExport_AreaLimit(t *testing.T) {
	app, _ := newTestApp(okRender(&domain.RenderResult{}))

	status, _, body := doForm(t, app, "/", url.Values{
		"format": {"png"},
		"xml":    {"<mxGraphModel/>"},
		"w":      {"20001"},
		"h":      {"20001"},
	})
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for oversized area, got %d", status)
	}
	if string(body) != "BAD REQUEST" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandleExport_PNGWithMetadata(t *testing.T) {
	res := &domain.RenderResult{
		Data:   encodedPNG(t),
		Width:  103,
		Height: 204,
		PageID: "p-1",
		Scale:  "2",
	}
	app, _ := newTestApp(okRender(res))

	status, header, body := doForm(t, app, "/", url.Values{
		"format":   {"png"},
		"xml":      {"<mxGraphModel/>"},
		"dpi":      {"300"},
		"embedXml": {"1"},
		"filename": {"diagramm ä.png"},
	})
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if ct := header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	if header.Get("content-ex-width") != "103" || header.Get("content-ex-height") != "204" {
		t.Fatalf("unexpected extent headers %q x %q",
			header.Get("content-ex-width"), header.Get("content-ex-height"))
	}
	if header.Get("content-page-id") != "p-1" || header.Get("content-scale") != "2" {
		t.Fatalf("missing page metadata headers")
	}
	cd := header.Get("Content-Disposition")
	if !strings.Contains(cd, `filename="diagramm ä.png"`) || !strings.Contains(cd, "filename*=UTF-8''diagramm%20%C3%A4.png") {
		t.Fatalf("unexpected disposition %q", cd)
	}
	if !bytes.Contains(body, []byte("pHYs")) {
		t.Fatalf("dpi chunk missing")
	}
	if !bytes.Contains(body, []byte("zTXt")) {
		t.Fatalf("embedded diagram chunk missing")
	}
}

func TestHandleExport_UndefinedPageMetadataSkipped(t *testing.T) {
	res := &domain.RenderResult{Data: encodedPNG(t), PageID: "undefined", Scale: "undefined"}
	app, _ := newTestApp(okRender(res))

	status, header, _ := doForm(t, app, "/", url.Values{
		"format": {"png"},
		"xml":    {"<mxGraphModel/>"},
	})
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if header.Get("content-page-id") != "" || header.Get("content-scale") != "" {
		t.Fatalf("undefined page metadata must not be forwarded")
	}
}

func TestHandleExport_PDFPassthroughAndBase64(t *testing.T) {
	part := []byte("%PDF-1.4 fake")
	app, _ := newTestApp(okRender(&domain.RenderResult{PDFParts: [][]byte{part}}))

	status, header, body := doForm(t, app, "/", url.Values{
		"format": {"pdf"},
		"xml":    {"<mxGraphModel/>"},
	})
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if ct := header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.Equal(body, part) {
		t.Fatalf("single document must pass through unchanged")
	}

	status, header, body = doForm(t, app, "/", url.Values{
		"format": {"pdf"},
		"xml":    {"<mxGraphModel/>"},
		"base64": {"1"},
	})
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if ct := header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("base64 responses use text/plain, got %q", ct)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil || !bytes.Equal(decoded, part) {
		t.Fatalf("body is not the base64 form of the document: %v", err)
	}
}

func TestHandleExport_QueryOverridesBody(t *testing.T) {
	var got *domain.ExportRequest
	app, _ := newTestApp(func(ctx context.Context, req *domain.ExportRequest) (*domain.RenderResult, error) {
		got = req
		return &domain.RenderResult{Data: encodedPNG(t)}, nil
	})

	form := url.Values{"format": {"pdf"}, "xml": {"<mxGraphModel/>"}, "scale": {"2.5"}}
	req := httptest.NewRequest("POST", "/?format=png", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got.Format != "png" {
		t.Fatalf("query must override the body, got format %q", got.Format)
	}
	if got.Scale != 2.5 {
		t.Fatalf("scale not parsed: %v", got.Scale)
	}
}

func TestHandleExport_JSONBody(t *testing.T) {
	var got *domain.ExportRequest
	app, _ := newTestApp(func(ctx context.Context, req *domain.ExportRequest) (*domain.RenderResult, error) {
		got = req
		return &domain.RenderResult{Data: encodedPNG(t)}, nil
	})

	body := `{"format":"png","xml":"<mxGraphModel/>","w":400,"h":300,"allPages":true}`
	req := httptest.NewRequest("POST", "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got.Width != 400 || got.Height != 300 {
		t.Fatalf("json numbers not parsed: %dx%d", got.Width, got.Height)
	}
	if !got.AllPages {
		t.Fatalf("json booleans not parsed")
	}
}

func TestHandleExport_MalformedCompressedPayload(t *testing.T) {
	app, _ := newTestApp(okRender(&domain.RenderResult{}))

	status, _, body := doForm(t, app, "/", url.Values{
		"format":  {"png"},
		"xmldata": {"!!not-base64!!"},
	})
	if status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for malformed payload, got %d", status)
	}
	if string(body) != "Error!" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHandleExport_RenderFailure(t *testing.T) {
	app, _ := newTestApp(func(ctx context.Context, req *domain.ExportRequest) (*domain.RenderResult, error) {
		return nil, errors.New("browser crashed")
	})

	status, _, body := doForm(t, app, "/", url.Values{
		"format": {"png"},
		"xml":    {"<mxGraphModel/>"},
	})
	if status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if string(body) != "Error!" {
		t.Fatalf("unexpected body %q", body)
	}
}
