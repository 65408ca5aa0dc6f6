package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// ErrBinaryUnavailable reports that the encoder cannot be executed.
var ErrBinaryUnavailable = errors.New("encoder binary unavailable")

const defaultProbeTimeout = 10 * time.Second

// Probe checks whether the encoder binary runs.
type Probe struct {
	Binary  string
	Timeout time.Duration
}

// Check runs "<binary> -version" and wraps any failure in ErrBinaryUnavailable.
func (p Probe) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	binary := binaryOrDefault(p.Binary)
	cmd := exec.CommandContext(ctx, binary, "-version")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBinaryUnavailable, binary, err)
	}
	return nil
}

// Available reports whether Check succeeds. It never panics on a missing binary.
func (p Probe) Available(ctx context.Context) bool {
	return p.Check(ctx) == nil
}
