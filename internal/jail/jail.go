// Package jail maps caller-supplied relative paths onto fixed root
// directories and refuses anything that could climb out of them.
package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	perrors "popnet/internal/errors"
)

// Type selects one of the configured roots.
type Type string

const (
	Working     Type = "working"
	Home        Type = "home"
	Application Type = "application"
)

// Resolver holds the jail roots.  It is immutable after construction
// and safe for concurrent use.
type Resolver struct {
	roots map[Type]string
}

// New returns a Resolver for the given roots.  Empty roots are left
// unset; resolving against them fails.
func New(working, home, application string) *Resolver {
	r := &Resolver{roots: make(map[Type]string, 3)}
	for typ, root := range map[Type]string{Working: working, Home: home, Application: application} {
		if root == "" {
			continue
		}
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		r.roots[typ] = filepath.Clean(root)
	}
	return r
}

// Root returns the root directory for typ.
func (r *Resolver) Root(typ Type) (string, bool) {
	if r == nil {
		return "", false
	}
	root, ok := r.roots[typ]
	return root, ok
}

// Resolve joins rel onto the root selected by typ.  A leading separator
// in rel is ignored so "/a/b" and "a/b" name the same file.
func (r *Resolver) Resolve(typ Type, rel string) (string, error) {
	if HasDotDot(rel) {
		return "", perrors.FileContainsDotDot
	}
	root, ok := r.Root(typ)
	if !ok {
		return "", fmt.Errorf("jail %q: no root configured", typ)
	}
	p := filepath.Join(root, filepath.FromSlash(Clean(rel)))
	if !Within(root, p) {
		return "", perrors.FileNotExistOrNotInJail
	}
	return p, nil
}

// EnsureRoots creates every configured root directory.
func (r *Resolver) EnsureRoots() error {
	if r == nil {
		return nil
	}
	for typ, root := range r.roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("jail %s: %w", typ, err)
		}
	}
	return nil
}

// HasDotDot reports whether any segment of p, split on either slash
// style, is exactly "..".
func HasDotDot(p string) bool {
	for _, seg := range strings.FieldsFunc(p, isSep) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Clean normalises separators to "/" and removes empty and "." segments.
func Clean(p string) string {
	segs := strings.FieldsFunc(p, isSep)
	out := segs[:0]
	for _, s := range segs {
		if s != "." {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

// Within reports whether p is root or lies beneath it.
func Within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func isSep(r rune) bool { return r == '/' || r == '\\' }
