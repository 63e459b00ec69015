package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	// ErrPathEscape means a request path resolved outside the served root.
	ErrPathEscape = errors.New("path escape")
	// ErrInvalidPath means the path contains bytes that can never name a file.
	ErrInvalidPath = errors.New("invalid path")
)

// SandboxedPath is an absolute filesystem path proven to lie inside a
// Resolver's root. Only Resolver.Resolve produces one.
type SandboxedPath struct {
	abs  string
	rel  string
	root string
}

// Abs returns the absolute, symlink-resolved path.
func (p SandboxedPath) Abs() string { return p.abs }

// Rel returns the slash-based request path relative to the root; "" is the
// root itself. This is the path clients navigate by, before any symlink
// resolution.
func (p SandboxedPath) Rel() string { return p.rel }

// IsRoot reports whether the path is the served root.
func (p SandboxedPath) IsRoot() bool { return p.rel == "" }

// Resolver maps request paths into one served root.
type Resolver struct {
	root string // absolute, symlinks resolved
}

// NewResolver canonicalizes root and verifies it is an existing directory.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(canon)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, errors.New("root is not a directory")
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical served root.
func (r *Resolver) Root() string { return r.root }

// Resolve turns a request path into a SandboxedPath, or fails with
// ErrPathEscape. Paths that climb past the root are rejected outright, and
// the joined path is canonicalized before the containment check so a symlink
// anywhere along the way cannot lead outside the root. The target itself does
// not have to exist; the deepest existing ancestor is what gets verified.
func (r *Resolver) Resolve(requestPath string) (SandboxedPath, error) {
	p := strings.TrimSpace(requestPath)
	if strings.Contains(p, "\x00") {
		return SandboxedPath{}, ErrInvalidPath
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	rel := path.Clean(p)
	if rel == "." || rel == "" {
		return SandboxedPath{abs: r.root, rel: "", root: r.root}, nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return SandboxedPath{}, ErrPathEscape
	}
	abs := filepath.Join(r.root, filepath.FromSlash(rel))
	if !r.contains(abs) {
		return SandboxedPath{}, ErrPathEscape
	}
	canon, err := resolveExisting(abs)
	if err != nil {
		return SandboxedPath{}, err
	}
	if !r.contains(canon) {
		return SandboxedPath{}, ErrPathEscape
	}
	return SandboxedPath{abs: canon, rel: rel, root: r.root}, nil
}

func (r *Resolver) contains(abs string) bool {
	return abs == r.root || strings.HasPrefix(abs, r.root+string(filepath.Separator))
}

// resolveExisting canonicalizes p via its deepest existing ancestor. The
// missing tail (an upload target, typically) is re-joined lexically so brand
// new names still resolve.
func resolveExisting(p string) (string, error) {
	suffix := ""
	cur := p
	for {
		canon, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if suffix == "" {
				return canon, nil
			}
			return filepath.Join(canon, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}
