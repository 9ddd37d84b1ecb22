package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/fleetsetup/pkg/engine"
	"github.com/rs/zerolog"
)

// transcriptWriter stores the raw output of each action attempt.
type transcriptWriter struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger
}

// transcriptEntry is one finished attempt.
type transcriptEntry struct {
	Command  string
	ExitCode int
	Duration time.Duration
	Stdout   string
	Stderr   string
	Err      error
}

// write stores the transcript and returns its path. Failures are logged and
// otherwise ignored.
func (w transcriptWriter) write(req engine.ActionRequest, entry transcriptEntry) string {
	if w.dir == "" {
		return ""
	}

	dir := filepath.Join(w.dir, safeName(req.RequestID), safeName(req.Machine.Name))
	name := fmt.Sprintf("%s-%s-a%d.log",
		safeName(req.ActionID), w.now().UTC().Format("20060102T150405.000000000Z"), req.Attempt)
	path := filepath.Join(dir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", entry.Command)
	fmt.Fprintf(&b, "# task=%s attempt=%d resumed=%t\n", req.Task, req.Attempt, req.Resumed)
	fmt.Fprintf(&b, "# exit=%d duration=%s\n", entry.ExitCode, entry.Duration)
	if entry.Err != nil {
		fmt.Fprintf(&b, "# error=%v\n", entry.Err)
	}
	fmt.Fprintf(&b, "\n--- stdout ---\n%s\n--- stderr ---\n%s\n", entry.Stdout, entry.Stderr)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("failed to create transcript directory")
		return ""
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("failed to write transcript")
		return ""
	}
	return path
}

// safeName keeps a path component inside its parent directory.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
