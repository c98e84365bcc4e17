package wetlands

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"testing"
	"time"
)

// fakeRunningCmd returns a zero-value *exec.Cmd whose Process is nil, so
// killProcess treats it as a no-op teardown target; used to satisfy
// ExternalEnvironment's launchedLocked() checks without spawning a real
// subprocess.
func fakeRunningCmd() *exec.Cmd {
	return &exec.Cmd{}
}

// newConnectedTestEnvironment wires an ExternalEnvironment directly to one
// end of an in-memory net.Pipe, with the correlator goroutine running, so
// the request/reply protocol can be exercised without spawning a real
// worker subprocess.
func newConnectedTestEnvironment(t *testing.T) (*ExternalEnvironment, *MsgpackTransport) {
	t.Helper()
	m := newTestManager(t)
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	e := newExternalEnvironment(m, "worker-under-test", "")
	e.conn = clientConn
	e.transport = NewMsgpackTransportOverConn(clientConn)
	e.serializer = MsgpackSerializer{}
	e.cmd = fakeRunningCmd()
	e.requestCh = make(chan correlatedRequest)
	e.stopCh = make(chan struct{})
	go e.correlate()

	serverTransport := NewMsgpackTransportOverConn(serverConn)
	return e, serverTransport
}

func TestExternalEnvironmentExecuteSuccess(t *testing.T) {
	e, server := newConnectedTestEnvironment(t)

	go func() {
		data, err := server.Receive()
		if err != nil {
			return
		}
		var frame map[string]any
		_ = MsgpackSerializer{}.Unmarshal(data, &frame)
		if frame["action"] != actionExecute {
			t.Errorf("expected an execute frame, got %v", frame["action"])
		}
		reply, _ := MsgpackSerializer{}.Marshal(map[string]any{
			"action": actionExecutionFinished,
			"result": "42",
		})
		_ = server.Send(reply)
	}()

	result, err := e.Execute(context.Background(), "/tmp/mod.py", "compute", []any{1}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "42" {
		t.Errorf("expected result \"42\", got %v", result)
	}
}

func TestExternalEnvironmentExecuteErrorFrame(t *testing.T) {
	e, server := newConnectedTestEnvironment(t)

	go func() {
		_, err := server.Receive()
		if err != nil {
			return
		}
		reply, _ := MsgpackSerializer{}.Marshal(map[string]any{
			"action":    actionError,
			"exception": "boom",
			"traceback": []string{"line1"},
		})
		_ = server.Send(reply)
	}()

	_, err := e.Execute(context.Background(), "/tmp/mod.py", "compute", nil, nil, nil)
	execErr, ok := err.(*ExecutionError)
	if !ok {
		t.Fatalf("expected *ExecutionError, got %T (%v)", err, err)
	}
	if execErr.Exception != "boom" {
		t.Errorf("expected exception \"boom\", got %q", execErr.Exception)
	}
}

func TestExternalEnvironmentExecuteIgnoresNonTerminalFrames(t *testing.T) {
	e, server := newConnectedTestEnvironment(t)

	go func() {
		if _, err := server.Receive(); err != nil {
			return
		}
		progress, _ := MsgpackSerializer{}.Marshal(map[string]any{"action": "progress"})
		_ = server.Send(progress)

		finished, _ := MsgpackSerializer{}.Marshal(map[string]any{
			"action": actionExecutionFinished,
			"result": "done",
		})
		_ = server.Send(finished)
	}()

	result, err := e.Execute(context.Background(), "/tmp/mod.py", "compute", nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Errorf("expected \"done\" after skipping the progress frame, got %v", result)
	}
}

func TestExternalEnvironmentExecuteConnectionClosedYieldsNilNil(t *testing.T) {
	e, server := newConnectedTestEnvironment(t)

	go func() {
		_, _ = server.Receive()
		server.Close()
	}()

	result, err := e.Execute(context.Background(), "/tmp/mod.py", "compute", nil, nil, nil)
	if err != nil || result != nil {
		t.Errorf("expected (nil, nil) after a peer close, got (%v, %v)", result, err)
	}
}

func TestExternalEnvironmentRunScriptDefaultsRunName(t *testing.T) {
	e, server := newConnectedTestEnvironment(t)

	go func() {
		data, err := server.Receive()
		if err != nil {
			return
		}
		var frame map[string]any
		_ = MsgpackSerializer{}.Unmarshal(data, &frame)
		if frame["run_name"] != "__main__" {
			t.Errorf("expected run_name to default to __main__, got %v", frame["run_name"])
		}
		reply, _ := MsgpackSerializer{}.Marshal(map[string]any{
			"action": actionExecutionFinished,
			"result": map[string]any{"x": 1},
		})
		_ = server.Send(reply)
	}()

	globals, err := e.RunScript(context.Background(), "/tmp/script.py", nil, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(globals["x"]) != "1" {
		t.Errorf("expected globals[\"x\"] == 1, got %v (%T)", globals["x"], globals["x"])
	}
}

func TestExternalEnvironmentLaunchedReflectsConnectionState(t *testing.T) {
	e, _ := newConnectedTestEnvironment(t)
	if !e.Launched() {
		t.Fatalf("expected Launched() to be true once conn/cmd are set")
	}
}

func TestExternalEnvironmentExitClosesConnection(t *testing.T) {
	e, server := newConnectedTestEnvironment(t)
	done := make(chan struct{})
	go func() {
		for {
			if _, err := server.Receive(); err != nil {
				close(done)
				return
			}
		}
	}()

	if err := e.Exit(); err != nil {
		t.Fatalf("Exit() error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the server side to observe the connection closing")
	}
	if e.Launched() {
		t.Errorf("expected Launched() to be false after Exit()")
	}
}
