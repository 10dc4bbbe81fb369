package execx

import (
	"context"
	"strings"
	"testing"
)

func TestRun_CapturesStdout(t *testing.T) {
	out, err := Run(context.Background(), "/bin/echo", "hello")
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRun_MissingBinary(t *testing.T) {
	if _, err := Run(context.Background(), "/definitely/missing/binary"); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestRun_NonZeroExitIncludesStderr(t *testing.T) {
	_, err := Run(context.Background(), "/bin/sh", "-c", "echo boom >&2; exit 3")
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got: %v", err)
	}
}

func TestRun_RespectsCallerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, "/bin/sleep", "5"); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}
