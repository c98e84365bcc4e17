package wetlands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogCallback receives one line of subprocess output at a time.
type LogCallback func(line string)

// CommandExecutor (component C) writes generated shell fragments to a temp
// script, spawns a shell to run them with merged stdout/stderr, and streams
// output line by line to a set of sinks while watching for failure signals.
type CommandExecutor struct {
	logger *wetlandsLogger
}

// NewCommandExecutor builds a Command Executor that logs through logger.
func NewCommandExecutor(logger *wetlandsLogger) *CommandExecutor {
	return &CommandExecutor{logger: logger}
}

// insertCommandErrorChecks interleaves an error-check stanza after every
// command so the script aborts at the first non-zero exit instead of
// silently continuing.
func insertCommandErrorChecks(commands []string) []string {
	var checks []string
	if isWindows() {
		checks = []string{"", "if (! $?) { exit 1 }"}
	} else {
		checks = []string{
			"",
			"return_status=$?",
			"if [ $return_status -ne 0 ]",
			"then",
			`    echo "Errors encountered during execution. Exited with status: $return_status"`,
			"    exit 1",
			"fi",
			"",
		}
	}
	out := make([]string, 0, len(commands)*(1+len(checks)))
	for _, c := range commands {
		out = append(out, c)
		out = append(out, checks...)
	}
	return out
}

// ExecuteCommands writes commands (with injected error checks unless
// disableErrorChecks) to a temp script and spawns it in its own process
// group, returning the running *exec.Cmd with stdout+stderr merged into a
// single pipe. The caller is responsible for draining that pipe (see
// StreamOutput) and eventually calling Wait/Kill.
func (ce *CommandExecutor) ExecuteCommands(commands []string, env []string, disableErrorChecks bool) (*exec.Cmd, io.ReadCloser, error) {
	ce.logger.logGlobal("execute commands", "command-executor")

	scripted := commands
	if !disableErrorChecks {
		scripted = insertCommandErrorChecks(commands)
	}

	suffix := ".sh"
	if isWindows() {
		suffix = ".ps1"
	}
	tmp, err := os.CreateTemp("", "wetlands-*"+suffix)
	if err != nil {
		return nil, nil, err
	}
	if _, err := tmp.WriteString(strings.Join(scripted, "\n")); err != nil {
		tmp.Close()
		return nil, nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, nil, err
	}

	var cmd *exec.Cmd
	if isWindows() {
		cmd = exec.Command("powershell", "-WindowStyle", "Hidden", "-NoProfile", "-ExecutionPolicy", "ByPass", "-File", tmp.Name())
	} else {
		_ = exec.Command("chmod", "u+x", tmp.Name()).Run()
		cmd = exec.Command("/bin/bash", tmp.Name())
	}
	cmd.SysProcAttr = newGroupSysProcAttr()
	if env != nil {
		cmd.Env = env
	}
	cmd.Stdin = nil

	// stdout=PIPE, stderr=STDOUT, stdin=DEVNULL: merge both streams into one
	// pipe the caller drains line by line.
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stdout = writeEnd
	cmd.Stderr = writeEnd

	if err := cmd.Start(); err != nil {
		writeEnd.Close()
		readEnd.Close()
		return nil, nil, err
	}
	writeEnd.Close() // the child now owns the write end
	if runtime.GOOS == "windows" {
		_ = assignToJobObject(cmd.Process.Pid)
	}
	return cmd, readEnd, nil
}

// StreamOutput drains output line by line, forwarding each line to every
// sink, and returns CommandFailureError if a CondaSystemExit marker appears
// or the process exits non-zero.
func (ce *CommandExecutor) StreamOutput(cmd *exec.Cmd, output io.ReadCloser, commands []string, sinks []LogCallback) error {
	scanner := bufio.NewScanner(output)
	var condaExit bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		ce.logger.logGlobal(line, "command-output")
		for _, sink := range sinks {
			safeInvoke(ce.logger, sink, line)
		}
		if strings.Contains(line, "CondaSystemExit") {
			condaExit = true
			killProcess(cmd)
			break
		}
	}
	err := cmd.Wait()
	if condaExit {
		return &CommandFailureError{Commands: commands, CondaExit: true}
	}
	if err != nil || cmd.ProcessState.ExitCode() != 0 {
		return &CommandFailureError{Commands: commands, ExitCode: cmd.ProcessState.ExitCode()}
	}
	return nil
}

// safeInvoke calls sink, recovering and logging a panic so one misbehaving
// callback never prevents the remaining sinks from running (mirrors the
// reference log callback's try/except around each invocation).
func safeInvoke(logger *wetlandsLogger, sink LogCallback, line string) {
	defer func() {
		if r := recover(); r != nil {
			logger.warn("log callback panicked", map[string]string{"panic": fmt.Sprint(r)})
		}
	}()
	sink(line)
}

// RunCommands is the common "fire and forget, collect the error" helper
// used by callers that don't need a live process handle: it runs commands,
// streams their output to sinks, and returns any CommandFailureError.
func (ce *CommandExecutor) RunCommands(commands []string, env []string, sinks []LogCallback) error {
	cmd, output, err := ce.ExecuteCommands(commands, env, false)
	if err != nil {
		return err
	}
	return ce.StreamOutput(cmd, output, commands, sinks)
}

// logPump reads lines from a process's combined output stream in the
// background, forwarding each to a mutable sink list (global callback plus
// an optional per-call callback), until the stream is closed. Exactly one
// logPump exists per live worker process (SPEC_FULL.md §5).
type logPump struct {
	mu        sync.RWMutex
	sinks     []LogCallback
	lines     chan string
	done      chan struct{}
	waitersMu sync.Mutex
	waiters   []lineWaiter
}

type lineWaiter struct {
	match func(string) bool
	reply chan string
}

func newLogPump() *logPump {
	return &logPump{lines: make(chan string, 64), done: make(chan struct{})}
}

// addSink registers a callback invoked for every subsequent line.
func (p *logPump) addSink(cb LogCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, cb)
}

// run drains r line by line until EOF, dispatching to sinks and to any
// pending waitForLine calls, then closes done.
func (p *logPump) run(r io.Reader, logger *wetlandsLogger, envName string) {
	defer close(p.done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		logger.logEnvironment(line, envName, "worker-output")

		p.mu.RLock()
		sinks := append([]LogCallback{}, p.sinks...)
		p.mu.RUnlock()
		for _, s := range sinks {
			safeInvoke(logger, s, line)
		}

		p.waitersMu.Lock()
		remaining := p.waiters[:0]
		for _, w := range p.waiters {
			if w.match(line) {
				w.reply <- line
			} else {
				remaining = append(remaining, w)
			}
		}
		p.waiters = remaining
		p.waitersMu.Unlock()
	}
}

// waitForLine blocks until a line matching predicate is seen, the pump
// closes, or timeout elapses, returning the matched line (or "" on
// timeout/close).
func (p *logPump) waitForLine(predicate func(string) bool, timeout chanTimeout) string {
	reply := make(chan string, 1)
	p.waitersMu.Lock()
	p.waiters = append(p.waiters, lineWaiter{match: predicate, reply: reply})
	p.waitersMu.Unlock()

	select {
	case line := <-reply:
		return line
	case <-p.done:
		return ""
	case <-timeout:
		return ""
	}
}

// chanTimeout is a <-chan time.Time-shaped timeout signal, built with
// time.After by callers; kept as a named type so waitForLine's signature
// doesn't read as a bare <-chan time.Time with no hint of its purpose.
type chanTimeout = <-chan time.Time
