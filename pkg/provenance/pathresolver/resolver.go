package pathresolver

import (
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
	"github.com/kubescape/provenance-agent/pkg/provenance/event"
	"golang.org/x/sys/unix"
)

// UnresolvedIdentifierError reports a path that cannot be made absolute.
type UnresolvedIdentifierError struct {
	Fragment string
	Reason   string
}

func (e *UnresolvedIdentifierError) Error() string {
	return fmt.Sprintf("failed to resolve path %q: %s", e.Fragment, e.Reason)
}

// lexicalFS reports every path as missing so that SecureJoinVFS never
// consults the host filesystem. Audit records may come from another host.
type lexicalFS struct{}

func (lexicalFS) Lstat(name string) (os.FileInfo, error) {
	return nil, &os.PathError{Op: "lstat", Path: name, Err: os.ErrNotExist}
}

func (lexicalFS) Readlink(name string) (string, error) {
	return "", &os.PathError{Op: "readlink", Path: name, Err: os.ErrNotExist}
}

// Canonicalize makes fragment absolute against atDir (when set) or cwd, then
// collapses separators and dot segments. ".." never climbs above "/".
func Canonicalize(fragment, cwd, atDir string) (string, error) {
	if fragment == "" {
		return "", &UnresolvedIdentifierError{Fragment: fragment, Reason: "empty path"}
	}
	joined := fragment
	if !strings.HasPrefix(fragment, "/") {
		base := atDir
		if base == "" {
			base = cwd
		}
		if base == "" {
			return "", &UnresolvedIdentifierError{Fragment: fragment, Reason: "relative path without working directory"}
		}
		if !strings.HasPrefix(base, "/") {
			return "", &UnresolvedIdentifierError{Fragment: fragment, Reason: fmt.Sprintf("base %q is not absolute", base)}
		}
		joined = base + "/" + fragment
	}
	resolved, err := securejoin.SecureJoinVFS("/", joined, lexicalFS{})
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", joined, err)
	}
	return resolved, nil
}

// Resolve returns the path identifier of fragment for a process whose
// filesystem root context is root.
func Resolve(fragment, cwd, root, atDir string) (artifact.Path, error) {
	resolved, err := Canonicalize(fragment, cwd, atDir)
	if err != nil {
		return artifact.Path{}, err
	}
	return artifact.Path{Path: resolved, Root: root}, nil
}

// ResolveRecord resolves a PATH record and picks the identifier variant from
// the file type in its mode.
func ResolveRecord(rec event.PathRecord, cwd, root, atDir string) (artifact.Identifier, error) {
	p, err := Resolve(rec.Name, cwd, root, atDir)
	if err != nil {
		return nil, err
	}
	switch rec.FileType() & unix.S_IFMT {
	case unix.S_IFDIR:
		return artifact.Directory{Path: p.Path, Root: p.Root}, nil
	case unix.S_IFSOCK:
		return artifact.UnixSocket{Path: p.Path, Root: p.Root}, nil
	}
	return p, nil
}

// JoinRoot resolves newRoot (as seen by a process) against its current root,
// for chroot and pivot_root.
func JoinRoot(newRoot, currentRoot string) (string, error) {
	if currentRoot == "" || currentRoot == "/" {
		return Canonicalize(newRoot, "/", "")
	}
	inner, err := Canonicalize(newRoot, "/", "")
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoinVFS(currentRoot, inner, lexicalFS{})
}
