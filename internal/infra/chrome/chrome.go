// Package chrome holds the plumbing shared by every rendering-engine
// launch: hardened startup flags, the per-worker profile directory, and
// error classification for interrupted sessions.
package chrome

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/chromedp/chromedp"

	"drawio-export/internal/config"
	"drawio-export/internal/infra/execx"
)

// ProfileDir returns the user-data directory for the given worker,
// creating it if needed. The directory is keyed by worker identity, not per
// request; overlapping renders inside one worker share the path, which the
// engine tolerates only across non-overlapping instance lifetimes.
func ProfileDir(cfg config.Config, workerID string) (string, error) {
	base := cfg.Render.UserDataDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "export-user-data-"+workerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// AllocatorOptions builds the startup flag set: headless, no background
// services, software GPU fallback. Mirrors the flags the upstream viewer
// documents for containerized exports.
func AllocatorOptions(cfg config.Config, profileDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("autoplay-policy", "user-gesture-required"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("disable-component-update", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-domain-reliability", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-features", "AudioServiceOutOfProcess"),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.Flag("disable-notifications", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("disable-print-preview", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-speech-api", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-pings", true),
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("password-store", "basic"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("use-mock-keychain", true),
	)
	if cfg.Render.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.Render.ChromePath))
	}
	if cfg.Render.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Version probes the configured browser binary. The result is informational
// only; callers log it and move on.
func Version(ctx context.Context, cfg config.Config) (string, error) {
	bin := cfg.Render.ChromePath
	if bin == "" {
		bin = "chromium"
	}
	out, err := execx.Run(ctx, bin, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsSessionInterrupted reports whether the error indicates the browser
// session died underneath us rather than a request-level failure.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "target closed") ||
		strings.Contains(msg, "session closed") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "browser closed")
}
