// Package execx runs external binaries with a fixed safety timeout.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Timeout bounds every invocation regardless of the caller's context.
const Timeout = 25 * time.Second

// Run executes the binary and returns its stdout. A non-zero exit, an
// expired timeout, or a missing binary all surface as errors; stderr is
// folded into the message.
func Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("exec %s: %w: %s", bin, err, msg)
		}
		return nil, fmt.Errorf("exec %s: %w", bin, err)
	}
	return out, nil
}
