// Package davpath defines the canonical form of remote paths exchanged with a
// WebDAV server. A canonical path is absolute, slash-separated and NFC
// normalized. Directories always carry a trailing slash; files never do. The
// root is "/" and is always a directory.
package davpath

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const sep = "/"

// Sentinel errors for name and href validation.
var (
	ErrInvalidName = errors.New("davpath: invalid name")
	ErrOutsideBase = errors.New("davpath: href outside base path")
)

// Path is a canonical remote path. The zero value represents an absent path.
type Path struct {
	p string
}

// Root returns the root directory path.
func Root() Path {
	return Path{p: sep}
}

// Dir returns the canonical directory form of raw. Dot segments are resolved
// lexically and can never climb above the root.
func Dir(raw string) Path {
	c := clean(raw)
	if c == sep {
		return Root()
	}

	return Path{p: c + sep}
}

// File returns the canonical file form of raw. A raw path that cleans to the
// root yields the root directory, since the root cannot be a file.
func File(raw string) Path {
	c := clean(raw)
	if c == sep {
		return Root()
	}

	return Path{p: c}
}

// Parse infers the kind of raw from its trailing slash.
func Parse(raw string) Path {
	if raw == "" || strings.HasSuffix(raw, sep) {
		return Dir(raw)
	}

	return File(raw)
}

func clean(raw string) string {
	return path.Clean(sep + norm.NFC.String(raw))
}

// String returns the canonical wire form, unescaped.
func (p Path) String() string {
	return p.p
}

// IsZero reports whether p is the absent path.
func (p Path) IsZero() bool {
	return p.p == ""
}

// IsDir reports whether p is in directory form.
func (p Path) IsDir() bool {
	return strings.HasSuffix(p.p, sep)
}

// IsRoot reports whether p is the root directory.
func (p Path) IsRoot() bool {
	return p.p == sep
}

// Key returns the kind-agnostic form of p (no trailing slash except for the
// root). Two paths naming the same remote resource share a key even when one
// of them was built with the wrong kind.
func (p Path) Key() string {
	if p.IsRoot() || p.IsZero() {
		return p.p
	}

	return strings.TrimSuffix(p.p, sep)
}

// Name returns the final path segment, or "/" for the root.
func (p Path) Name() string {
	if p.IsRoot() || p.IsZero() {
		return p.p
	}

	return path.Base(p.Key())
}

// Parent returns the directory containing p. The root is its own parent.
func (p Path) Parent() Path {
	if p.IsRoot() || p.IsZero() {
		return p
	}

	return Dir(path.Dir(p.Key()))
}

// AsDir returns p in directory form.
func (p Path) AsDir() Path {
	return Dir(p.p)
}

// AsFile returns p in file form.
func (p Path) AsFile() Path {
	return File(p.p)
}

// Join returns the child of directory p named name. The name must be a single
// segment.
func (p Path) Join(name string, dir bool) (Path, error) {
	if !p.IsDir() {
		return Path{}, fmt.Errorf("davpath: %q is not a directory", p.p)
	}

	if err := ValidateName(name); err != nil {
		return Path{}, err
	}

	if dir {
		return Dir(p.p + name), nil
	}

	return File(p.p + name), nil
}

// Contains reports whether other is p itself or lies beneath it. Only
// directories contain anything besides themselves.
func (p Path) Contains(other Path) bool {
	if p.Key() == other.Key() {
		return true
	}

	if !p.IsDir() {
		return false
	}

	return strings.HasPrefix(other.p, p.p)
}

// Escaped returns p with every segment percent-encoded for use in a URL.
func (p Path) Escaped() string {
	if p.IsRoot() || p.IsZero() {
		return p.p
	}

	segs := strings.Split(strings.Trim(p.p, sep), sep)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	out := sep + strings.Join(segs, sep)
	if p.IsDir() {
		out += sep
	}

	return out
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.p), nil
}

// ValidateName checks that name can be used as a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.Contains(name, sep):
		return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, sep)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	}

	return nil
}

// FromHref converts a multistatus href (absolute URL or absolute path,
// percent-encoded) into a canonical path relative to basePath, the path
// component of the account's base URL. collection selects the directory form.
func FromHref(href, basePath string, collection bool) (Path, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return Path{}, fmt.Errorf("davpath: parsing href %q: %w", href, err)
	}

	decoded := clean(u.Path)
	base := clean(basePath)

	rel := decoded
	if base != sep {
		switch {
		case decoded == base:
			rel = sep
		case strings.HasPrefix(decoded, base+sep):
			rel = strings.TrimPrefix(decoded, base)
		default:
			return Path{}, fmt.Errorf("%w: %q not under %q", ErrOutsideBase, decoded, base)
		}
	}

	if collection {
		return Dir(rel), nil
	}

	return File(rel), nil
}
