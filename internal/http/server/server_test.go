package server

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"drawio-export/internal/config"
)

func minimalConfig() config.Config {
	var cfg config.Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ":0"
	cfg.Limits.MaxBodyBytes = 1024 * 1024
	return cfg
}

func TestNew_CatchAllAndPlainTextErrors(t *testing.T) {
	app := New(Deps{Config: minimalConfig()})

	healthReq, _ := http.NewRequest(http.MethodGet, "/ops/health", nil)
	healthResp, err := app.Test(healthReq)
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	if healthResp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected health endpoint 200, got %d", healthResp.StatusCode)
	}

	// Any path reaches the export handler; an empty request is a 400.
	for _, path := range []string{"/", "/export", "/some/nested/path"} {
		req, _ := http.NewRequest(http.MethodPost, path, strings.NewReader("format=png"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request to %s failed: %v", path, err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400 on %s, got %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "BAD REQUEST" {
			t.Fatalf("unexpected error body %q", body)
		}
	}
}

func TestNew_ExportOverride(t *testing.T) {
	app := New(Deps{
		Config: minimalConfig(),
		Export: func(c *fiber.Ctx) error { return c.SendString("stub") },
	})

	req, _ := http.NewRequest(http.MethodGet, "/anything", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "stub" {
		t.Fatalf("override handler not used, got %q", body)
	}
}

func TestListen_SharesPortAcrossListeners(t *testing.T) {
	cfg := minimalConfig()

	first, err := Listen(cfg)
	if err != nil {
		t.Fatalf("first listen failed: %v", err)
	}
	defer first.Close()

	port := first.Addr().(*net.TCPAddr).Port
	cfg.Server.Port = ":" + strconv.Itoa(port)

	second, err := Listen(cfg)
	if err != nil {
		t.Fatalf("second listener must share the port: %v", err)
	}
	defer second.Close()
}
