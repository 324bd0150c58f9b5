//go:build unix

package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Launch starts the shim with the frame channel on fd 3 and the IPC channel
// on fd 4, in its own process group.
func (l *ExecLauncher) Launch(ctx context.Context, spawn Spawn) (Process, error) {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate shim binary: %w", err)
		}
		path = self
	}

	frameHost, frameChild, err := socketPair("frames")
	if err != nil {
		return nil, err
	}
	ipcHost, ipcChild, err := socketPair("ipc")
	if err != nil {
		frameHost.Close()
		frameChild.Close()
		return nil, err
	}

	args := append(slices.Clone(l.Args), spawn.args()...)
	cmd := exec.Command(path, args...)
	cmd.Stdin = strings.NewReader(spawn.Code)
	cmd.Stderr = spawn.Stderr
	cmd.ExtraFiles = []*os.File{frameChild, ipcChild}
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	frameChild.Close()
	ipcChild.Close()
	if err != nil {
		frameHost.Close()
		ipcHost.Close()
		return nil, fmt.Errorf("start shim: %w", err)
	}
	return &unixProcess{cmd: cmd, frames: frameHost, ipc: ipcHost}, nil
}

// socketPair returns a connected stream socket pair. The host end is
// non-blocking so closing it unblocks pending reads.
func socketPair(name string) (host, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair %s: %w", name, err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("socketpair %s: %w", name, err)
	}
	return os.NewFile(uintptr(fds[0]), name+"-host"), os.NewFile(uintptr(fds[1]), name+"-child"), nil
}

type unixProcess struct {
	cmd    *exec.Cmd
	frames *os.File
	ipc    *os.File
}

func (p *unixProcess) Frames() io.ReadWriter { return p.frames }
func (p *unixProcess) IPC() io.ReadWriter    { return p.ipc }
func (p *unixProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *unixProcess) CloseInput() error {
	raw, err := p.ipc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.Shutdown(int(fd), unix.SHUT_WR)
	}); err != nil {
		return err
	}
	return serr
}

func (p *unixProcess) Kill() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

func (p *unixProcess) Wait() error {
	err := p.cmd.Wait()
	p.frames.Close()
	p.ipc.Close()
	return err
}
