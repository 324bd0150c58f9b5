package executor

import (
	"context"
	"io"
)

// Spawn describes one child to start.
type Spawn struct {
	// Code is the contract source, written to the child's stdin.
	Code string
	// Root and ManifestID select the read-only file view. Both empty means
	// no files.
	Root       string
	ManifestID string
	// Stderr receives the child's diagnostics.
	Stderr io.Writer
}

func (s Spawn) args() []string {
	if s.Root == "" && s.ManifestID == "" {
		return nil
	}
	return []string{s.Root, s.ManifestID}
}

// Process is a running shim child.
type Process interface {
	// Frames is the duplex capability channel.
	Frames() io.ReadWriter
	// IPC carries lifecycle events in both directions.
	IPC() io.ReadWriter
	// CloseInput tells the child no more inbound messages will come.
	CloseInput() error
	// Kill terminates the child and everything it started.
	Kill() error
	// Wait blocks until the child has exited and releases its channels.
	Wait() error
	Pid() int
}

// Launcher starts shim children.
type Launcher interface {
	Launch(ctx context.Context, spawn Spawn) (Process, error)
}

// ExecLauncher starts Path with Args followed by the manifest arguments.
// An empty Path means the running executable, which is expected to serve the
// shim subcommand.
type ExecLauncher struct {
	Path string
	Args []string
	// Env is appended to the host environment.
	Env []string
}

// DefaultLauncher re-executes the running binary as "<self> shim".
func DefaultLauncher() *ExecLauncher {
	return &ExecLauncher{Args: []string{"shim"}}
}
