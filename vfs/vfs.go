package vfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/jsonc"
)

var (
	// ErrNotFound is returned for any path the manifest does not declare.
	ErrNotFound = errors.New("no such file")

	// ErrManifest is returned when a manifest is missing or malformed.
	ErrManifest = errors.New("invalid manifest")
)

// Manifest maps absolute virtual paths to object digests.
type Manifest struct {
	Files map[string]string `json:"files"`
}

// ParseManifest decodes a manifest, allowing comments and trailing commas,
// and checks every entry.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	for p, digest := range m.Files {
		if !validPath(p) {
			return nil, fmt.Errorf("%w: path %q is not absolute and clean", ErrManifest, p)
		}
		if !validDigest(digest) {
			return nil, fmt.Errorf("%w: bad digest for %s", ErrManifest, p)
		}
	}
	return &m, nil
}

func validPath(p string) bool {
	return path.IsAbs(p) && path.Clean(p) == p
}

// View is a read-only filesystem backed by one manifest.
type View struct {
	store *Store
	id    string
	files map[string]string
}

// Open loads manifest manifestID from the store at root.
func Open(root, manifestID string) (*View, error) {
	store := NewStore(root)
	data, err := store.Get(manifestID)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrManifest, manifestID, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if m.Files == nil {
		m.Files = make(map[string]string)
	}
	return &View{store: store, id: manifestID, files: m.Files}, nil
}

// ID returns the manifest id the view was opened with.
func (v *View) ID() string { return v.id }

// Paths returns the declared virtual paths in sorted order.
func (v *View) Paths() []string {
	paths := make([]string, 0, len(v.files))
	for p := range v.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ReadFile returns the content stored for virtualPath. Only absolute,
// already-clean paths are looked up.
func (v *View) ReadFile(virtualPath string) ([]byte, error) {
	if !validPath(virtualPath) {
		return nil, fmt.Errorf("%s: %w", virtualPath, ErrNotFound)
	}
	digest, ok := v.files[virtualPath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", virtualPath, ErrNotFound)
	}
	data, err := v.store.Get(digest)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", virtualPath, err)
	}
	return data, nil
}

// Build imports every regular file under dir into the store at root and
// stores a manifest for them. It returns the manifest id. Paths in the
// manifest are slash-separated and rooted at "/". Files and directories
// whose path relative to dir matches one of the exclude globs ("**"
// allowed) are skipped.
func Build(root, dir string, exclude ...string) (string, error) {
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return "", fmt.Errorf("bad exclude pattern %q", pattern)
		}
	}
	store := NewStore(root)
	m := Manifest{Files: make(map[string]string)}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel != "." && excluded(filepath.ToSlash(rel), exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		digest, err := store.Put(data)
		if err != nil {
			return fmt.Errorf("store %s: %w", rel, err)
		}
		m.Files["/"+filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("import %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	return store.Put(data)
}

func excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
