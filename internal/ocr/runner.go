package ocr

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Warn("ocr.exec.failed",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stderr", truncate(errb.String(), 300),
			"error", err,
		)
		return out.Bytes(), errb.Bytes(), err
	}
	r.logger.Debug("ocr.exec.done", "cmd", name, "duration_ms", time.Since(start).Milliseconds())
	return out.Bytes(), errb.Bytes(), nil
}

// ToolStatus reports which external binaries are on PATH
func ToolStatus(names ...string) map[string]bool {
	status := make(map[string]bool, len(names))
	for _, n := range names {
		_, err := exec.LookPath(n)
		status[n] = err == nil
	}
	return status
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
