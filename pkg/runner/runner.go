package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/steward-sh/steward/pkg/log"
	"github.com/steward-sh/steward/pkg/registry"
	"github.com/steward-sh/steward/pkg/types"
)

// Mode selects the flag grammar the module is invoked with.
type Mode string

const (
	// ModeUpdate invokes the module with no flags: perform the update.
	ModeUpdate Mode = "update"

	// ModeCheck invokes --check: report status only, no mutation.
	ModeCheck Mode = "check"

	// ModeVersion invokes --version: print schema/content version only.
	ModeVersion Mode = "version"
)

// gracePeriod is how long a signalled child gets to shut down before it is
// force-killed.
const gracePeriod = 10 * time.Second

// envScrubPrefix removes orchestrator-internal variables from the child
// environment.
const envScrubPrefix = "STEWARD_"

// normalizedPath is the PATH every module runs with.
const normalizedPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// statusFile is the fallback envelope location inside the module directory,
// for modules whose stdout is too noisy to carry the envelope line.
const statusFile = "status.json"

// Result is the outcome of one module invocation.
type Result struct {
	// Envelope is the parsed status, nil when the module produced none.
	Envelope *types.StatusEnvelope

	// ExitCode is the child's exit status; -1 when it was killed.
	ExitCode int

	// TimedOut is true when the invocation exceeded its budget.
	TimedOut bool

	// RestartRequired is true when the module signalled that the
	// orchestrator must re-exec.
	RestartRequired bool

	// Err classifies the failure, nil on success.
	Err error
}

// Runner invokes modules as child processes under the CLI contract.
type Runner struct {
	defaultTimeout time.Duration
	manifests      *registry.Registry
}

// New creates a Runner. The registry is used to persist content versions
// modules report after successful updates.
func New(defaultTimeout time.Duration, manifests *registry.Registry) *Runner {
	return &Runner{defaultTimeout: defaultTimeout, manifests: manifests}
}

// Timeout returns the execution budget for the module: its manifest override
// or the runner default.
func (r *Runner) Timeout(m *types.Manifest) time.Duration {
	if secs := m.TimeoutSeconds(); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return r.defaultTimeout
}

// Run invokes the module and waits for it. The child runs in its module
// directory with stdin closed, a scrubbed environment, and both output
// streams forwarded line-by-line to the log under the module's name.
func (r *Runner) Run(ctx context.Context, m *types.Manifest, mode Mode) Result {
	name := m.Metadata.Name

	entry, err := registry.EntryPoint(m.Dir)
	if err != nil {
		return Result{ExitCode: -1, Err: types.Errorf(types.KindModule, "module %s has no entry point: %v", name, err)}
	}

	timeout := r.Timeout(m)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var args []string
	switch mode {
	case ModeCheck:
		args = []string{"--check"}
	case ModeVersion:
		args = []string{"--version"}
	}

	cmd := exec.CommandContext(runCtx, entry, args...)
	cmd.Dir = m.Dir
	cmd.Env = scrubEnv(os.Environ())
	cmd.Stdin = nil

	// Graceful shutdown on timeout or cancellation, then force-kill. The
	// child leads its own process group so the signal also reaches anything
	// it spawned that still holds the output pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = gracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1, Err: types.Errorf(types.KindInternal, "stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1, Err: types.Errorf(types.KindInternal, "stderr pipe: %v", err)}
	}

	// Stale envelope files must never satisfy this invocation.
	os.Remove(filepath.Join(m.Dir, statusFile))

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Err: types.Errorf(types.KindModule, "module %s failed to start: %v", name, err)}
	}

	// Both streams are drained concurrently and joined before the child is
	// reaped, so a chatty module can never deadlock on a full pipe.
	moduleLog := log.WithModule(name)
	var wg sync.WaitGroup
	var lastJSONLine string

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if looksLikeEnvelope(line) {
				lastJSONLine = line
			}
			moduleLog.Info().Str("stream", "stdout").Msg(line)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			moduleLog.Warn().Str("stream", "stderr").Msg(scanner.Text())
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	res := Result{ExitCode: exitCode(cmd, waitErr)}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.Err = types.Errorf(types.KindTimeout, "module %s exceeded %s budget", name, timeout)
		return res
	}

	res.Envelope = r.parseEnvelope(m, lastJSONLine)

	switch {
	case res.Envelope == nil && mode == ModeVersion:
		// --version prints plain text; no envelope expected.
		if waitErr != nil {
			res.Err = types.Errorf(types.KindModule, "module %s --version failed: %v", name, waitErr)
		}
	case res.Envelope == nil:
		res.Err = types.Errorf(types.KindModule, "module %s produced no status envelope", name)
	case !res.Envelope.Success:
		msg := res.Envelope.Error
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		res.Err = types.Errorf(types.KindModule, "module %s failed: %s", name, msg)
	case waitErr != nil:
		// success:true with a non-zero exit is a contract violation.
		res.Err = types.Errorf(types.KindModule, "module %s exited non-zero despite success envelope", name)
	}

	if res.Envelope != nil {
		res.RestartRequired = res.Envelope.RestartRequired
		if res.Err == nil && mode == ModeUpdate {
			r.recordContentVersion(m, res.Envelope)
		}
	}

	event := moduleLog.Info()
	if res.Err != nil {
		event = moduleLog.Error().Err(res.Err)
	}
	event.Dur("elapsed", elapsed).Int("exit", res.ExitCode).Msg("module invocation finished")
	return res
}

// parseEnvelope prefers the last JSON-shaped stdout line and falls back to
// the status.json file in the module directory.
func (r *Runner) parseEnvelope(m *types.Manifest, jsonLine string) *types.StatusEnvelope {
	if jsonLine != "" {
		var env types.StatusEnvelope
		if err := json.Unmarshal([]byte(jsonLine), &env); err == nil {
			return &env
		}
	}

	data, err := os.ReadFile(filepath.Join(m.Dir, statusFile))
	if err != nil {
		return nil
	}
	var env types.StatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil
	}
	return &env
}

func (r *Runner) recordContentVersion(m *types.Manifest, env *types.StatusEnvelope) {
	if env.NewVersion == "" || r.manifests == nil {
		return
	}
	version, err := semver.NewVersion(env.NewVersion)
	if err != nil {
		log.WithModule(m.Metadata.Name).Warn().
			Str("new_version", env.NewVersion).
			Msg("unparseable content version ignored")
		return
	}
	if m.Metadata.ContentVersion != nil && m.Metadata.ContentVersion.Equal(version) {
		return
	}
	if err := r.manifests.SetContentVersion(m.Metadata.Name, version); err != nil {
		log.WithModule(m.Metadata.Name).Warn().Err(err).Msg("failed to record content version")
	}
}

// looksLikeEnvelope is a cheap filter so ordinary output lines are not
// parsed as JSON.
func looksLikeEnvelope(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") &&
		strings.Contains(trimmed, "\"success\"")
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// scrubEnv drops orchestrator-internal variables and pins PATH.
func scrubEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, envScrubPrefix) {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "PATH="+normalizedPath)
}
