// SPDX-License-Identifier: MIT

package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sonralabs/palantir/internal/job"
)

// progressRe matches the engine's stderr progress lines ("progress = 42%").
var progressRe = regexp.MustCompile(`progress\s*=\s*(\d+)%`)

// Result captures the outcome of one engine run.
type Result struct {
	ExitCode int
	Stderr   string
}

// Runner executes the engine subprocess with progress supervision. Progress
// updates are delivered on the channel passed to Run; the runner imposes no
// wall-clock deadline of its own — queue-level stall detection is the sole
// liveness mechanism.
type Runner struct {
	Settings Settings
	Logger   zerolog.Logger
}

// Run transcribes inputPath into outputDir. Parsed progress percentages are
// sent to progressCh (non-blocking, capped at 99 — 100 is reserved for a
// verified output file). The returned error is nil only on exit code 0.
func (r *Runner) Run(ctx context.Context, inputPath, outputDir string, progressCh chan<- int) (Result, error) {
	args := r.Settings.BuildArgs(inputPath, outputDir)
	cmd := exec.CommandContext(ctx, r.Settings.Binary, args...) // #nosec G204
	cmd.Stdin = nil

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("stderr pipe: %w", err)
	}
	var stdoutBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start engine: %w", err)
	}

	r.Logger.Debug().
		Str("binary", r.Settings.Binary).
		Strs("args", args).
		Msg("engine started")

	// Scan stderr line by line, forwarding progress and keeping a bounded
	// tail for error classification.
	stderrTail := scanStderr(stderr, progressCh)

	err = cmd.Wait()
	res := Result{ExitCode: 0, Stderr: stderrTail}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

const stderrTailLimit = 64 * 1024

func scanStderr(r io.Reader, progressCh chan<- int) string {
	var tail bytes.Buffer
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := progressRe.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				if pct > 99 {
					pct = 99
				}
				select {
				case progressCh <- pct:
				default:
				}
			}
			continue
		}
		if tail.Len() < stderrTailLimit {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
	}
	return tail.String()
}

// Classify maps an engine failure to a job error code and reason.
func Classify(runErr error, res Result) (code, reason string) {
	var execErr *exec.Error
	if errors.As(runErr, &execErr) || errors.Is(runErr, exec.ErrNotFound) || errors.Is(runErr, os.ErrNotExist) {
		return job.ErrCodeEngineNotFound, fmt.Sprintf("engine binary not found or not executable: %v", runErr)
	}
	if looksLikeDecodeFailure(res.Stderr) {
		return job.ErrCodeFileInvalid, "engine could not decode input: " + firstLine(res.Stderr)
	}
	return job.ErrCodeEngineCrash, fmt.Sprintf("engine exited with code %d", res.ExitCode)
}

// looksLikeDecodeFailure sniffs stderr for format/decode errors so corrupt
// inputs fail with ERR_FILE_INVALID instead of a generic crash.
func looksLikeDecodeFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"invalid data found",
		"could not decode",
		"decode failed",
		"unsupported format",
		"invalid audio",
		"failed to load audio",
		"format not recognised",
		"format not recognized",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
