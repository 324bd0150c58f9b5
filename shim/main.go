package shim

import (
	"io"
	"os"

	"go.uber.org/zap"
)

// Exit codes of the shim process.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// File descriptors a launcher hands to the shim process.
const (
	FrameFD = 3
	IPCFD   = 4
)

// Main runs one contract to completion and returns the process exit code.
// args are the optional content root and manifest id, the script is read
// from stdin, lifecycle events travel over ipc and capability calls over
// frames (which may be nil).
func Main(args []string, stdin io.Reader, ipc io.ReadWriter, frames io.ReadWriter, opts ...Option) int {
	if frames != nil {
		opts = append(opts, WithFrameChannel(frames))
	}
	c := New(ipc, opts...)

	var root, manifestID string
	switch len(args) {
	case 0:
	case 2:
		root, manifestID = args[0], args[1]
	default:
		c.state = StateFailed
		c.log.Error("usage: shim [<root> <manifest-id>]", zap.Strings("args", args))
		return ExitFailed
	}

	if err := c.Open(stdin, root, manifestID); err != nil {
		c.log.Error("initialize contract", zap.Error(err))
		return ExitFailed
	}
	if err := c.Run(); err != nil {
		c.log.Error("run contract", zap.Error(err))
		return ExitFailed
	}
	return ExitOK
}

// MainProcess is Main wired to the current process: the script on stdin,
// the frame channel on FrameFD and lifecycle events on IPCFD.
func MainProcess(args []string, opts ...Option) int {
	frames := os.NewFile(FrameFD, "frames")
	ipc := os.NewFile(IPCFD, "ipc")
	defer frames.Close()
	defer ipc.Close()
	return Main(args, os.Stdin, ipc, frames, opts...)
}
