package render

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"drawio-export/internal/config"
	"drawio-export/internal/domain"
	"drawio-export/internal/infra/chrome"
)

// completionSelector is the DOM element the viewer sets once rendering has
// finished, carrying the output metadata as attributes.
const completionSelector = "#LoadingComplete"

// chromeEngine is the production engine: one exec allocator and browser
// context per instance, torn down as a unit.
type chromeEngine struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	closeOnce     sync.Once
}

// chromeLauncher starts an isolated browser per call, with the user-data
// directory scoped to the worker identity.
func chromeLauncher(cfg config.Config, workerID string) launchFunc {
	return func(ctx context.Context) (engine, error) {
		profileDir, err := chrome.ProfileDir(cfg, workerID)
		if err != nil {
			return nil, err
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chrome.AllocatorOptions(cfg, profileDir)...)
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

		// Start the browser now so launch failures surface here.
		if err := chromedp.Run(browserCtx); err != nil {
			cancelBrowser()
			cancelAlloc()
			return nil, err
		}
		return &chromeEngine{
			browserCtx:    browserCtx,
			cancelBrowser: cancelBrowser,
			cancelAlloc:   cancelAlloc,
		}, nil
	}
}

// run executes actions on the browser context, honoring the caller's
// deadline when one is set.
func (e *chromeEngine) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := e.browserCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (e *chromeEngine) Navigate(ctx context.Context, url string) error {
	return e.run(ctx, chromedp.Navigate(url))
}

func (e *chromeEngine) Submit(ctx context.Context, arg renderArg) error {
	payload, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	return e.run(ctx, chromedp.Evaluate(fmt.Sprintf("render(%s)", payload), nil))
}

func (e *chromeEngine) AwaitCompletion(ctx context.Context) (*completion, error) {
	var boundsJSON, pageID, scale, pageCount string
	var hasBounds, hasPageID, hasScale, hasPageCount bool
	err := e.run(ctx,
		chromedp.WaitReady(completionSelector, chromedp.ByID),
		chromedp.AttributeValue(completionSelector, "bounds", &boundsJSON, &hasBounds, chromedp.ByID),
		chromedp.AttributeValue(completionSelector, "page-id", &pageID, &hasPageID, chromedp.ByID),
		chromedp.AttributeValue(completionSelector, "scale", &scale, &hasScale, chromedp.ByID),
		chromedp.AttributeValue(completionSelector, "pageCount", &pageCount, &hasPageCount, chromedp.ByID),
	)
	if err != nil {
		return nil, err
	}

	comp := &completion{PageID: pageID, Scale: scale, PageCount: 1}
	if hasBounds && boundsJSON != "" {
		var b domain.Bounds
		if err := json.Unmarshal([]byte(boundsJSON), &b); err != nil {
			return nil, fmt.Errorf("parse bounds %q: %w", boundsJSON, err)
		}
		comp.Bounds = &b
	}
	if hasPageCount {
		if n, err := strconv.Atoi(pageCount); err == nil && n > 0 {
			comp.PageCount = n
		}
	}
	return comp, nil
}

func (e *chromeEngine) SetViewport(ctx context.Context, width, height int64) error {
	return e.run(ctx, chromedp.EmulateViewport(width, height))
}

func (e *chromeEngine) Screenshot(ctx context.Context, format string, omitBackground bool) ([]byte, error) {
	var buf []byte
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if omitBackground {
			if err := emulation.SetDefaultBackgroundColorOverride().
				WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}).Do(ctx); err != nil {
				return err
			}
		}
		f := page.CaptureScreenshotFormatPng
		if format == "jpg" || format == "jpeg" {
			f = page.CaptureScreenshotFormatJpeg
		}
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(f).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (e *chromeEngine) PDF(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, _, err = page.PrintToPDF().
			WithPreferCSSPageSize(true).
			WithPrintBackground(true).
			Do(ctx)
		return err
	}))
	return buf, err
}

// Close tears down the browser and its allocator. Safe to call more than
// once; the kill timer and the deferred cleanup share it.
func (e *chromeEngine) Close() error {
	e.closeOnce.Do(func() {
		e.cancelBrowser()
		e.cancelAlloc()
	})
	return nil
}
