package hostfunc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestFS(t *testing.T, opts ...FSOption) *FS {
	t.Helper()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello world"), 0644)
	os.Mkdir(filepath.Join(dir, "sub"), 0755)
	os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0644)
	return NewFS([]Mount{{VirtualPath: "/data", HostPath: dir}}, opts...)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var se *SysError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SysError with code %s, got %v", code, err)
	}
	if se.Code != code {
		t.Errorf("expected code %s, got %s", code, se.Code)
	}
}

func TestFSReadFile(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"named", map[string]any{"path": "/data/test.txt"}, "hello world"},
		{"positional", map[string]any{"args": []any{"/data/sub/nested.txt", "utf8"}}, "nested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := f.ReadFile(ctx, tt.args)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if content != tt.want {
				t.Errorf("expected %q, got %q", tt.want, content)
			}
		})
	}
}

func TestFSReadFileErrors(t *testing.T) {
	f := newTestFS(t, WithMaxFileSize(4))
	ctx := context.Background()

	tests := []struct {
		name string
		path string
		code string
	}{
		{"missing file", "/data/missing.txt", "ENOENT"},
		{"outside mounts", "/etc/passwd", "ENOENT"},
		{"traversal", "/data/../../etc/passwd", "ENOENT"},
		{"directory", "/data/sub", "EISDIR"},
		{"too large", "/data/test.txt", "EFBIG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ReadFile(ctx, map[string]any{"path": tt.path})
			wantCode(t, err, tt.code)
		})
	}

	if _, err := f.ReadFile(ctx, map[string]any{}); err == nil {
		t.Error("expected error without a path")
	}
}

func TestFSReadDir(t *testing.T) {
	f := newTestFS(t)

	result, err := f.ReadDir(context.Background(), map[string]any{"path": "/data"})
	if err != nil {
		t.Fatalf("readdir failed: %v", err)
	}
	entries := result.([]FSEntry)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	byName := map[string]FSEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if !byName["sub"].IsDir {
		t.Error("sub should be a directory")
	}
	if byName["test.txt"].Size != int64(len("hello world")) {
		t.Errorf("unexpected size %d", byName["test.txt"].Size)
	}
}

func TestFSExists(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	tests := []struct {
		path string
		want bool
	}{
		{"/data/test.txt", true},
		{"/data/sub", true},
		{"/data/nope", false},
		{"/elsewhere", false},
	}
	for _, tt := range tests {
		got, err := f.Exists(ctx, map[string]any{"path": tt.path})
		if err != nil {
			t.Fatalf("exists %s: %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("exists %s: expected %v, got %v", tt.path, tt.want, got)
		}
	}
}

func TestFSStat(t *testing.T) {
	f := newTestFS(t)

	result, err := f.Stat(context.Background(), map[string]any{"path": "/data/test.txt"})
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	st := result.(FSStat)
	if st.Name != "test.txt" || st.Size != 11 || st.IsDir {
		t.Errorf("unexpected stat %+v", st)
	}

	_, err = f.Stat(context.Background(), map[string]any{"path": "/data/none"})
	wantCode(t, err, "ENOENT")
}

func TestFSRegisterStripsSync(t *testing.T) {
	r := NewRegistry()
	newTestFS(t).Register(r)

	got, err := r.Call(context.Background(), "fs", "readFileSync", []byte(`"/data/test.txt"`))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got != "hello world" {
		t.Errorf("expected file contents, got %v", got)
	}
}

func TestFSSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644)

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "real.txt"), []byte("inside"), 0644)
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "leak.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	os.Symlink(outside, filepath.Join(dir, "leakdir"))
	os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "alias.txt"))

	f := NewFS([]Mount{{VirtualPath: "/data", HostPath: dir}})
	ctx := context.Background()

	_, err := f.ReadFile(ctx, map[string]any{"path": "/data/leak.txt"})
	wantCode(t, err, "EACCES")
	_, err = f.ReadFile(ctx, map[string]any{"path": "/data/leakdir/secret.txt"})
	wantCode(t, err, "EACCES")
	_, err = f.ReadDir(ctx, map[string]any{"path": "/data/leakdir"})
	wantCode(t, err, "EACCES")

	content, err := f.ReadFile(ctx, map[string]any{"path": "/data/alias.txt"})
	if err != nil {
		t.Fatalf("symlink inside the mount: %v", err)
	}
	if content != "inside" {
		t.Errorf("expected %q, got %q", "inside", content)
	}
}
