package wetlands

import (
	_ "embed"
	"os"
)

// workerScript is the embedded Worker Runtime (component H): a Python
// program that binds a local TCP listener and executes functions/scripts on
// request, speaking the same length-prefixed msgpack framing as
// MsgpackTransport. Bundled into the binary so no separate install step is
// needed to ship it alongside the host process.
//
//go:embed workerscript/worker.py
var workerScript []byte

// writeWorkerScript writes the embedded worker runtime to a fresh temp file
// and returns its path, so it can be handed to the activated interpreter as
// "python -u <path> ...".
func writeWorkerScript() (string, error) {
	tmp, err := os.CreateTemp("", "wetlands-worker-*.py")
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := tmp.Write(workerScript); err != nil {
		return "", err
	}
	return tmp.Name(), nil
}
