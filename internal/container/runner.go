package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	markerStart = "---PYNCHY_OUTPUT_START---"
	markerEnd   = "---PYNCHY_OUTPUT_END---"
)

// runtimeCandidates is the search order for the container CLI to shell
// out to, mirroring the teacher's sandbox runtime resolution.
var runtimeCandidates = []string{"docker", "container", "podman"}

// ResolveRuntime finds the first available container CLI on PATH.
func ResolveRuntime() (string, error) {
	for _, name := range runtimeCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("container: no runtime found, tried %v", runtimeCandidates)
}

// Runner spawns one container per run.
type Runner struct {
	runtime string
	logDir  string
	log     *slog.Logger
}

func NewRunner(runtime, logDir string, log *slog.Logger) *Runner {
	return &Runner{runtime: runtime, logDir: logDir, log: log}
}

// Spec describes one invocation: input payload, mounts, and limits.
type Spec struct {
	Folder string
	Mounts []Mount
	Limits Limits
	Input  Input
}

// OnOutput is invoked once per fully parsed streamed event, synchronously
// in the reader goroutine (§5: "fan out before the next event is parsed").
type OnOutput func(Event)

// Run spawns the container, streams events to onOutput, enforces the
// rolling timeout, and returns the final result per the §4.4 policy.
func (r *Runner) Run(ctx context.Context, spec Spec, onOutput OnOutput) (Result, error) {
	name := fmt.Sprintf("pynchy-%s-%d", spec.Folder, time.Now().UnixMilli())

	inputJSON, err := json.Marshal(spec.Input)
	if err != nil {
		return Result{}, fmt.Errorf("marshal container input: %w", err)
	}

	args := []string{"run", "--rm", "-i", "--name", name}
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, mode))
	}
	args = append(args, imageForRun())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.runtime, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("container stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("container stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start container %s: %w", name, err)
	}

	if _, err := stdin.Write(inputJSON); err != nil {
		r.log.Warn("container stdin write failed", "name", name, "error", err)
	}
	stdin.Close()

	var mu sync.Mutex
	var eventCount int
	var lastEvent Event
	var truncated bool

	timeoutSecs := spec.Limits.EffectiveTimeout()
	idleTimer := time.NewTimer(time.Duration(timeoutSecs) * time.Second)
	defer idleTimer.Stop()

	resetTimer := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(time.Duration(timeoutSecs) * time.Second)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		r.streamEvents(stdout, spec.Limits.MaxOutputSize, func(ev Event, wasTruncated bool) {
			mu.Lock()
			eventCount++
			lastEvent = ev
			if wasTruncated {
				truncated = true
			}
			mu.Unlock()
			resetTimer()
			if onOutput != nil {
				onOutput(ev)
			}
		})
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timedOut bool
	select {
	case <-idleTimer.C:
		timedOut = true
		r.gracefulStopThenKill(cmd, name)
		<-waitDone
		<-readerDone
	case err := <-waitDone:
		<-readerDone
		if err != nil {
			r.log.Debug("container exited non-zero", "name", name, "error", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	exitCode := cmd.ProcessState.ExitCode()
	result := r.finalResult(timedOut, eventCount, exitCode, timeoutSecs, lastEvent, stderrBuf.String())

	r.writeRunLog(spec.Folder, name, timeoutSecs, exitCode, truncated, result, stderrBuf.String())

	return result, nil
}

func (r *Runner) gracefulStopThenKill(cmd *exec.Cmd, name string) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		r.log.Warn("container graceful stop exceeded 15s, killing", "name", name)
		_ = cmd.Process.Kill()
	}
}

// finalResult applies §4.4's final result policy.
func (r *Runner) finalResult(timedOut bool, eventCount, exitCode, timeoutSecs int, last Event, stderr string) Result {
	switch {
	case timedOut && eventCount > 0:
		return Result{Status: "success", NewSessionID: last.NewSessionID, TimedOut: true}
	case timedOut:
		return Result{Status: "error", Error: fmt.Sprintf("timed out after %ds", timeoutSecs), TimedOut: true}
	case exitCode != 0:
		tail := stderr
		if len(tail) > 200 {
			tail = tail[len(tail)-200:]
		}
		return Result{Status: "error", Error: fmt.Sprintf("code %d: %s", exitCode, tail), ExitCode: exitCode}
	default:
		return Result{
			Status:       firstNonEmpty(last.Status, "success"),
			Result:       last.Result,
			NewSessionID: last.NewSessionID,
			Error:        last.Error,
		}
	}
}

// streamEvents reads stdout in chunks, accumulates between markers, and
// emits one callback per complete marker pair. Bytes beyond maxSize are
// dropped from the buffer but the process keeps running.
func (r *Runner) streamEvents(stdout io.Reader, maxSize int, emit func(Event, bool)) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	var buf bytes.Buffer
	inBlock := false
	var truncated bool

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		switch {
		case trimmed == markerStart:
			inBlock = true
			buf.Reset()
			truncated = false
		case trimmed == markerEnd:
			if inBlock {
				var ev Event
				if jsonErr := json.Unmarshal(buf.Bytes(), &ev); jsonErr == nil {
					emit(ev, truncated)
				} else {
					r.log.Warn("container: failed to parse output event", "error", jsonErr)
				}
			}
			inBlock = false
			buf.Reset()
		case inBlock:
			if maxSize <= 0 || buf.Len()+len(line) <= maxSize {
				buf.WriteString(line)
			} else {
				truncated = true
			}
		default:
			// stray output outside markers: logged, not routed
			if trimmed != "" {
				r.log.Debug("container stray stdout", "line", trimmed)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) writeRunLog(folder, name string, timeoutSecs, exitCode int, truncated bool, result Result, stderr string) {
	if r.logDir == "" {
		return
	}
	dir := filepath.Join(r.logDir, folder, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Warn("run log mkdir failed", "error", err)
		return
	}
	verbose := r.log.Enabled(context.Background(), slog.LevelDebug) || exitCode != 0 || result.Status == "error"

	var b strings.Builder
	fmt.Fprintf(&b, "group=%s container=%s timeout_secs=%d exit_code=%d truncated=%v status=%s\n",
		folder, name, timeoutSecs, exitCode, truncated, result.Status)
	if verbose {
		fmt.Fprintf(&b, "--- stderr tail ---\n%s\n", tail(stderr, 4000))
		if result.Error != "" {
			fmt.Fprintf(&b, "--- error ---\n%s\n", result.Error)
		}
	}

	path := filepath.Join(dir, fmt.Sprintf("container-%d.log", time.Now().UnixMilli()))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		r.log.Warn("run log write failed", "path", path, "error", err)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// imageForRun is resolved from the fixed project image tag; the image
// build itself is out of this core's scope.
func imageForRun() string {
	if img := os.Getenv("PYNCHY_AGENT_IMAGE"); img != "" {
		return img
	}
	return "pynchy-agent:latest"
}

// NewContainerName returns a unique container identity suffix, used when
// a caller needs a stable ID independent of clock resolution.
func NewContainerName(folder string) string {
	return fmt.Sprintf("pynchy-%s-%s", folder, uuid.NewString()[:8])
}
