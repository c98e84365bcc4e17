package wetlands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const (
	actionExecute          = "execute"
	actionRun              = "run"
	actionExit             = "exit"
	actionExecutionFinished = "execution finished"
	actionError            = "error"
	actionExited           = "exited"
)

var (
	listeningPortRegexp      = regexp.MustCompile(`^Listening port (\d+)$`)
	listeningDebugPortRegexp = regexp.MustCompile(`^Listening debug port (\d+)$`)
)

// correlatedRequest is one outstanding request handed to the correlator
// goroutine that owns the worker's socket.
type correlatedRequest struct {
	payload map[string]any
	reply   chan requestResult
}

type requestResult struct {
	result any
	err    error
}

// ExternalEnvironment is an Environment backed by an on-disk environment
// directory and, once launched, a worker subprocess reachable over a TCP
// connection (the Worker Supervisor + IPC Protocol Engine, components F/G).
type ExternalEnvironment struct {
	manager *Manager
	name    string
	path    string

	mu sync.Mutex

	cmd        *exec.Cmd
	conn       net.Conn
	transport  Transport
	serializer Serializer
	pump       *logPump
	port       int

	globalLogCallback LogCallback

	requestCh chan correlatedRequest
	stopCh    chan struct{}
}

func newExternalEnvironment(manager *Manager, name, path string) *ExternalEnvironment {
	return &ExternalEnvironment{manager: manager, name: name, path: path}
}

func (e *ExternalEnvironment) Name() string { return e.name }
func (e *ExternalEnvironment) Path() string { return e.path }

// Launch starts the worker runtime inside this environment if not already
// running. Idempotent: returns immediately if Launched() is already true.
func (e *ExternalEnvironment) Launch(ctx context.Context, additionalActivate PlatformCommands, logCallback LogCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launchLocked(additionalActivate, logCallback)
}

func (e *ExternalEnvironment) launchLocked(additionalActivate PlatformCommands, logCallback LogCallback) error {
	if e.launchedLocked() {
		return nil
	}

	scriptPath, err := writeWorkerScript()
	if err != nil {
		return err
	}

	debugArgs := ""
	if e.manager.Debug {
		debugArgs = " --debug-port 0"
	}
	runCommand := fmt.Sprintf(`python -u "%s" %s --wetlands-instance-path "%s"%s`,
		scriptPath, e.name, e.manager.InstanceDir, debugArgs)

	activateCommands, err := e.manager.CommandGenerator.ActivateEnvironmentCommands(e.name, additionalActivate, true)
	if err != nil {
		return err
	}
	commands := append(activateCommands, runCommand)

	e.globalLogCallback = logCallback
	cmd, output, err := e.manager.CommandExecutor.ExecuteCommands(commands, nil, false)
	if err != nil {
		return err
	}

	pump := newLogPump()
	if logCallback != nil {
		pump.addSink(logCallback)
	}
	go pump.run(output, e.manager.logger, e.name)

	portLine := pump.waitForLine(func(l string) bool { return listeningPortRegexp.MatchString(l) }, time.After(30 * time.Second))
	if portLine == "" {
		killProcess(cmd)
		return &LaunchFailureError{EnvironmentName: e.name, Reason: "timed out waiting for the server port"}
	}
	m := listeningPortRegexp.FindStringSubmatch(portLine)
	port, _ := strconv.Atoi(m[1])

	if e.manager.Debug {
		debugLine := pump.waitForLine(func(l string) bool { return listeningDebugPortRegexp.MatchString(l) }, time.After(5 * time.Second))
		if debugLine != "" {
			dm := listeningDebugPortRegexp.FindStringSubmatch(debugLine)
			debugPort, _ := strconv.Atoi(dm[1])
			_ = e.manager.recordDebugPort(e.name, debugPort, scriptPath)
		}
	}

	if cmd.ProcessState != nil {
		return &LaunchFailureError{EnvironmentName: e.name, Reason: "process exited before announcing its port"}
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		killProcess(cmd)
		return &LaunchFailureError{EnvironmentName: e.name, Reason: err.Error()}
	}

	e.cmd = cmd
	e.conn = conn
	e.transport = NewMsgpackTransportOverConn(conn)
	e.serializer = MsgpackSerializer{}
	e.pump = pump
	e.port = port
	e.requestCh = make(chan correlatedRequest)
	e.stopCh = make(chan struct{})
	go e.correlate()

	e.manager.logger.logEnvironment("launched", e.name, "launch")
	return nil
}

// correlate is the single long-lived goroutine that owns the worker's
// socket: it serializes outbound frames, loops reading frames until a
// terminal one arrives, and delivers the result to the waiting caller
// (SPEC_FULL.md §5, "From per-connection suspension to explicit RPC state").
func (e *ExternalEnvironment) correlate() {
	for {
		select {
		case req, ok := <-e.requestCh:
			if !ok {
				return
			}
			result, err := e.roundTrip(req.payload)
			req.reply <- requestResult{result: result, err: err}
		case <-e.stopCh:
			return
		}
	}
}

func (e *ExternalEnvironment) roundTrip(payload map[string]any) (any, error) {
	if err := e.sendFrame(payload); err != nil {
		e.manager.logger.errorf("send failed", map[string]string{"env": e.name, "error": err.Error()})
		return nil, nil
	}
	for {
		frame, err := e.recvFrame()
		if err != nil {
			e.manager.logger.logEnvironment((&ConnectionLossError{Cause: err}).Error(), e.name, "execute")
			return nil, nil
		}
		action, _ := frame["action"].(string)
		switch action {
		case actionExecutionFinished:
			return frame["result"], nil
		case actionError:
			return nil, executionErrorFromFrame(frame)
		default:
			e.manager.logger.warn("got an unexpected message", map[string]string{"env": e.name, "action": action})
		}
	}
}

func executionErrorFromFrame(frame map[string]any) *ExecutionError {
	exc, _ := frame["exception"].(string)
	var tb []string
	switch raw := frame["traceback"].(type) {
	case []any:
		for _, l := range raw {
			tb = append(tb, fmt.Sprint(l))
		}
	case []string:
		tb = raw
	}
	return &ExecutionError{Exception: exc, Traceback: tb}
}

func (e *ExternalEnvironment) sendFrame(payload map[string]any) error {
	data, err := e.serializer.Marshal(payload)
	if err != nil {
		return err
	}
	return e.transport.Send(data)
}

func (e *ExternalEnvironment) recvFrame() (map[string]any, error) {
	data, err := e.transport.Receive()
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	if err := e.serializer.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// sendAndWait hands payload to the correlator goroutine and blocks for its
// terminal reply.
func (e *ExternalEnvironment) sendAndWait(payload map[string]any) (any, error) {
	if e.requestCh == nil {
		return nil, &ExecutionError{Exception: "connection not ready."}
	}
	reply := make(chan requestResult, 1)
	select {
	case e.requestCh <- correlatedRequest{payload: payload, reply: reply}:
	case <-e.stopCh:
		return nil, nil
	}
	res := <-reply
	return res.result, res.err
}

// Execute sends an "execute" frame and returns the worker's result.
func (e *ExternalEnvironment) Execute(_ context.Context, modulePath, function string, args []any, kwargs map[string]any, logCallback LogCallback) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var detach func()
	if logCallback != nil {
		detach = e.pump.addSinkScoped(logCallback)
		defer detach()
	}

	e.manager.logger.logExecution(fmt.Sprintf("calling %s:%s", modulePath, function), e.name, function)
	return e.sendAndWait(map[string]any{
		"action":     actionExecute,
		"modulePath": modulePath,
		"function":   function,
		"args":       args,
		"kwargs":     kwargs,
	})
}

// RunScript sends a "run" frame and returns the worker's filtered globals.
func (e *ExternalEnvironment) RunScript(_ context.Context, scriptPath string, args []string, runName string, logCallback LogCallback) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var detach func()
	if logCallback != nil {
		detach = e.pump.addSinkScoped(logCallback)
		defer detach()
	}

	if runName == "" {
		runName = "__main__"
	}
	e.manager.logger.logExecution(fmt.Sprintf("running %s", scriptPath), e.name, runName)
	result, err := e.sendAndWait(map[string]any{
		"action":     actionRun,
		"scriptPath": scriptPath,
		"args":       args,
		"run_name":   runName,
	})
	if err != nil || result == nil {
		return nil, err
	}
	globals, _ := result.(map[string]any)
	return globals, nil
}

// Launched reports whether the worker process is alive and its connection
// open.
func (e *ExternalEnvironment) Launched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launchedLocked()
}

func (e *ExternalEnvironment) launchedLocked() bool {
	return e.cmd != nil && e.cmd.ProcessState == nil && e.conn != nil
}

// Exit sends the exit frame, closes the connection, kills the process
// tree, and removes the environment from the Manager's registry.
func (e *ExternalEnvironment) Exit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.exitLocked()
	e.manager.removeEnvironment(e.name)
	return err
}

func (e *ExternalEnvironment) exitLocked() error {
	if e.conn != nil {
		_ = e.sendFrame(map[string]any{"action": actionExit})
		close(e.stopCh)
		_ = e.conn.Close()
	}
	if e.cmd != nil {
		killProcess(e.cmd)
	}
	e.cmd = nil
	e.conn = nil
	e.transport = nil
	return nil
}

// Delete exits the environment if running, then trashes its on-disk
// directory (the Pixi manifest's parent, or the Micromamba env directory).
func (e *ExternalEnvironment) Delete() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.manager.Settings.EnvironmentExists(e.name) {
		return fmt.Errorf("the environment %s does not exist", e.name)
	}
	if e.launchedLocked() {
		if err := e.exitLocked(); err != nil {
			return err
		}
	}
	target := e.path
	if e.manager.Settings.UsePixi {
		target = filepath.Dir(e.path)
	}
	if err := moveToTrash(target); err != nil {
		return err
	}
	e.manager.removeEnvironment(e.name)
	return nil
}

// Update deletes this environment and recreates it under the same name with
// new dependencies.
func (e *ExternalEnvironment) Update(ctx context.Context, deps Dependencies, additionalInstall PlatformCommands, useExisting bool) (Environment, error) {
	e.mu.Lock()
	name := e.name
	e.mu.Unlock()

	if err := e.Delete(); err != nil {
		return nil, err
	}
	return e.manager.Create(ctx, name, deps, additionalInstall, useExisting)
}

// addSinkScoped registers cb and returns a detach function, used for the
// duration of a single Execute/RunScript call (the reference implementation's
// per-execution log callback, cleared once the call returns).
func (p *logPump) addSinkScoped(cb LogCallback) func() {
	p.mu.Lock()
	p.sinks = append(p.sinks, cb)
	idx := len(p.sinks) - 1
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if idx < len(p.sinks) {
			p.sinks = append(p.sinks[:idx], p.sinks[idx+1:]...)
		}
	}
}

// moveToTrash moves path to the OS trash. No library in the reference corpus
// wraps send2trash's exact behaviour (a freedesktop-trash-spec move on
// Linux, NSWorkspace recycle on macOS, SHFileOperation on Windows); rather
// than fabricate a dependency, this falls back to a same-filesystem rename
// into a per-user trash directory, which is the same underlying primitive
// send2trash itself uses on Linux.
func moveToTrash(path string) error {
	trashDir, err := trashDirectory()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return err
	}
	dest := trashDestination(trashDir, path)
	return os.Rename(path, dest)
}
