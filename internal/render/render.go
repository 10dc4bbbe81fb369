// Package render drives one disposable rendering-engine instance per export
// through the viewer's request/response protocol: navigate to the export
// entry page, submit a render argument, wait for the completion marker, and
// capture the raster or PDF output.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"drawio-export/internal/config"
	"drawio-export/internal/domain"
)

// ErrRender covers every failure class of a render: instance launch,
// navigation, evaluation, and completion-wait timeouts. No retry is
// attempted; the caller reports the failure.
var ErrRender = errors.New("render failed")

// renderArg is the black-box call contract of the viewer's render()
// function. Pass-through fields keep the wire names of the viewer.
type renderArg struct {
	XML        string  `json:"xml"`
	Format     string  `json:"format"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	Crop       string  `json:"crop,omitempty"`
	Border     string  `json:"border,omitempty"`
	Bg         string  `json:"bg,omitempty"`
	AllPages   string  `json:"allPages,omitempty"`
	From       string  `json:"from,omitempty"`
	To         string  `json:"to,omitempty"`
	PageID     string  `json:"pageId,omitempty"`
	Scale      float64 `json:"scale"`
	Extras     string  `json:"extras,omitempty"`
	PageMargin string  `json:"pageMargin,omitempty"`
}

// completion carries the attributes of the viewer's completion marker.
type completion struct {
	Bounds    *domain.Bounds
	PageID    string
	Scale     string
	PageCount int
}

// engine is the per-instance protocol surface. Close must be idempotent:
// the kill timer and the normal cleanup path may both invoke it.
type engine interface {
	Navigate(ctx context.Context, url string) error
	Submit(ctx context.Context, arg renderArg) error
	AwaitCompletion(ctx context.Context) (*completion, error)
	SetViewport(ctx context.Context, width, height int64) error
	Screenshot(ctx context.Context, format string, omitBackground bool) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)
	Close() error
}

type launchFunc func(ctx context.Context) (engine, error)

// Renderer owns the orchestration policy; the engine behind launch is
// disposable and never reused across calls.
type Renderer struct {
	entryURL  string
	wait      time.Duration
	killAfter time.Duration
	launch    launchFunc
}

// New builds a Renderer backed by a headless Chrome launcher scoped to the
// given worker identity.
func New(cfg config.Config, workerID string) *Renderer {
	return &Renderer{
		entryURL:  cfg.Render.BaseURL + "/export3.html",
		wait:      time.Duration(cfg.Render.WaitSecs) * time.Second,
		killAfter: time.Duration(cfg.Render.KillAfterSecs) * time.Second,
		launch:    chromeLauncher(cfg, workerID),
	}
}

// Render produces the raw bytes for the request. The engine instance is
// released on every exit path; a hard-kill timer tears it down even if a
// protocol step hangs, and firing after a successful capture is a no-op.
func (r *Renderer) Render(ctx context.Context, req *domain.ExportRequest) (*domain.RenderResult, error) {
	eng, err := r.launch(ctx)
	if err != nil {
		return nil, stepErr("launch", err)
	}
	kill := time.AfterFunc(r.killAfter, func() { _ = eng.Close() })
	defer kill.Stop()
	defer eng.Close()

	if req.IsImage() {
		return r.renderImage(ctx, eng, req)
	}
	return r.renderPDF(ctx, eng, req)
}

func (r *Renderer) renderImage(ctx context.Context, eng engine, req *domain.ExportRequest) (*domain.RenderResult, error) {
	comp, err := r.renderOnce(ctx, eng, newRenderArg(req))
	if err != nil {
		return nil, err
	}

	res := &domain.RenderResult{
		Bounds:    comp.Bounds,
		PageID:    comp.PageID,
		Scale:     comp.Scale,
		PageCount: comp.PageCount,
		Width:     req.Width,
		Height:    req.Height,
	}
	if b := comp.Bounds; b != nil {
		res.Width = int(math.Ceil(b.Width + b.X))
		res.Height = int(math.Ceil(b.Height + b.Y))
		if err := eng.SetViewport(ctx, int64(res.Width), int64(res.Height)); err != nil {
			return nil, stepErr("set viewport", err)
		}
	}

	omitBackground := req.Format == "png" && (req.Bg == "" || req.Bg == "none")
	data, err := eng.Screenshot(ctx, req.Format, omitBackground)
	if err != nil {
		return nil, stepErr("screenshot", err)
	}
	if len(data) == 0 {
		return nil, stepErr("screenshot", errors.New("invalid image"))
	}
	res.Data = data
	return res, nil
}

// renderPDF captures one document per requested page. When all pages are
// requested the first render reports the page count and the remaining
// pages are rendered one by one; merging the parts is the caller's job.
func (r *Renderer) renderPDF(ctx context.Context, eng engine, req *domain.ExportRequest) (*domain.RenderResult, error) {
	arg := newRenderArg(req)
	if req.AllPages {
		arg.AllPages = ""
		arg.From, arg.To = "0", "0"
	}

	comp, err := r.renderOnce(ctx, eng, arg)
	if err != nil {
		return nil, err
	}
	data, err := eng.PDF(ctx)
	if err != nil {
		return nil, stepErr("print", err)
	}

	res := &domain.RenderResult{
		Bounds:    comp.Bounds,
		PageID:    comp.PageID,
		Scale:     comp.Scale,
		PageCount: comp.PageCount,
		PDFParts:  [][]byte{data},
	}

	if req.AllPages {
		for i := 1; i < comp.PageCount; i++ {
			arg.From = strconv.Itoa(i)
			arg.To = arg.From
			if _, err := r.renderOnce(ctx, eng, arg); err != nil {
				return nil, err
			}
			part, err := eng.PDF(ctx)
			if err != nil {
				return nil, stepErr("print", err)
			}
			res.PDFParts = append(res.PDFParts, part)
		}
	}
	return res, nil
}

// renderOnce runs one full protocol round: a fresh navigation, the render
// call, and the bounded wait for the completion marker.
func (r *Renderer) renderOnce(ctx context.Context, eng engine, arg renderArg) (*completion, error) {
	if err := eng.Navigate(ctx, r.entryURL); err != nil {
		return nil, stepErr("navigate", err)
	}
	if err := eng.Submit(ctx, arg); err != nil {
		return nil, stepErr("submit", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	comp, err := eng.AwaitCompletion(waitCtx)
	if err != nil {
		return nil, stepErr("wait for completion", err)
	}
	return comp, nil
}

func newRenderArg(req *domain.ExportRequest) renderArg {
	scale := req.Scale
	if scale <= 0 {
		scale = 1
	}
	arg := renderArg{
		XML:        req.XML,
		Format:     req.Format,
		W:          req.Width,
		H:          req.Height,
		Crop:       req.Crop,
		Border:     req.Border,
		Bg:         req.Bg,
		From:       req.From,
		To:         req.To,
		PageID:     req.PageID,
		Scale:      scale,
		Extras:     req.Extras,
		PageMargin: req.PageMargin,
	}
	if req.AllPages {
		arg.AllPages = "1"
	}
	return arg
}

func stepErr(stage string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRender, stage, err)
}
