package hostfunc

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const DefaultMaxFileSize = 16 << 20

// Mount maps a virtual path to a host directory. Mounts are read-only.
type Mount struct {
	VirtualPath string // Path as seen by the contract (e.g., "/data")
	HostPath    string // Actual path on host filesystem
}

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxFileSize caps the size of files readFile will return.
func WithMaxFileSize(size int64) FSOption {
	return func(f *FS) {
		f.maxFileSize = size
	}
}

// FS passes read-only filesystem calls through to mounted host directories.
// Paths are absolute from the contract's point of view.
type FS struct {
	mounts      []Mount
	maxFileSize int64
}

// NewFS creates a filesystem capability over mounts.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(hp); err == nil {
			hp = real
		}
		normalized = append(normalized, Mount{VirtualPath: vp, HostPath: hp})
	}
	f := &FS{mounts: normalized, maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds the fs methods to r.
func (f *FS) Register(r *Registry) {
	r.Register("fs.readFile", f.ReadFile)
	r.Register("fs.readdir", f.ReadDir)
	r.Register("fs.exists", f.Exists)
	r.Register("fs.stat", f.Stat)
}

// resolve maps a virtual path to a host path inside one mount.
func (f *FS) resolve(syscall, virtualPath string) (string, error) {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))

	for _, m := range f.mounts {
		if vp != m.VirtualPath && !strings.HasPrefix(vp, m.VirtualPath+"/") {
			continue
		}
		rel := strings.TrimPrefix(vp, m.VirtualPath)
		hostPath := filepath.Join(m.HostPath, rel)
		if !within(m.HostPath, hostPath) {
			return "", &SysError{Code: "EACCES", Syscall: syscall, Path: virtualPath}
		}
		// Symlinks inside a mount must not lead out of it. A missing path is
		// left for the caller to report.
		real, err := filepath.EvalSymlinks(hostPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return hostPath, nil
		case err != nil:
			return "", sysError(err, syscall, virtualPath)
		case !within(m.HostPath, real):
			return "", &SysError{Code: "EACCES", Syscall: syscall, Path: virtualPath}
		}
		return real, nil
	}
	return "", &SysError{Code: "ENOENT", Syscall: syscall, Path: virtualPath}
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

func (f *FS) pathArg(args map[string]any) (string, error) {
	p, ok := stringArg(args, "path", 0)
	if !ok || p == "" {
		return "", argError("path")
	}
	return p, nil
}

func sysError(err error, syscall, virtualPath string) error {
	code := "EIO"
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = "ENOENT"
	case errors.Is(err, fs.ErrPermission):
		code = "EACCES"
	}
	return &SysError{Code: code, Syscall: syscall, Path: virtualPath}
}

// ReadFile returns a file's contents as a string.
func (f *FS) ReadFile(ctx context.Context, args map[string]any) (any, error) {
	path, err := f.pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve("open", path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, sysError(err, "open", path)
	}
	if info.IsDir() {
		return nil, &SysError{Code: "EISDIR", Syscall: "read", Path: path}
	}
	if info.Size() > f.maxFileSize {
		return nil, &SysError{Code: "EFBIG", Syscall: "read", Path: path}
	}

	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, sysError(err, "open", path)
	}
	return string(data), nil
}

// ReadDir lists a directory.
func (f *FS) ReadDir(ctx context.Context, args map[string]any) (any, error) {
	path, err := f.pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve("scandir", path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, sysError(err, "scandir", path)
	}
	result := make([]FSEntry, 0, len(entries))
	for _, entry := range entries {
		item := FSEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item.Size = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether a path exists inside a mount.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	path, err := f.pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve("stat", path)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Stat describes a file or directory.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	path, err := f.pathArg(args)
	if err != nil {
		return nil, err
	}
	hostPath, err := f.resolve("stat", path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, sysError(err, "stat", path)
	}
	return FSStat{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
	}, nil
}
