package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Context is the resolved working context for one engine invocation. Engines
// treat it as opaque beyond passing Path/Branch through to the backend.
type Context struct {
	// Repository is the identifier the session is bound to ("owner/repo").
	// Empty when the session has no repository binding.
	Repository string

	// Path is the local working-copy directory, empty when unbound.
	Path string

	// Branch is the checked-out branch reference, empty when unbound.
	Branch string
}

// Bound reports whether the context references a repository working copy.
func (c Context) Bound() bool { return c.Repository != "" }

// Binder resolves a repository identifier to a working context. The external
// source-control collaborator guarantees the working copy exists and is
// up to date before a turn reaches the binder.
type Binder interface {
	Bind(ctx context.Context, repository string) (Context, error)
}

// DirBinder maps "owner/repo" identifiers to checkouts under a root
// directory. It is the default binder for single-host deployments where a
// sync daemon maintains the checkouts.
type DirBinder struct {
	// Root is the directory containing one checkout per repository,
	// laid out as Root/owner/repo.
	Root string

	// DefaultBranch is reported when the collaborator has not recorded a
	// branch for the checkout.
	DefaultBranch string
}

// NewDirBinder creates a binder rooted at dir.
func NewDirBinder(dir string) *DirBinder {
	return &DirBinder{Root: dir, DefaultBranch: "main"}
}

// Bind implements Binder. An empty repository yields an unbound context so
// repo-less sessions skip workspace resolution entirely.
func (b *DirBinder) Bind(_ context.Context, repository string) (Context, error) {
	if repository == "" {
		return Context{}, nil
	}
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" {
		return Context{}, fmt.Errorf("invalid repository identifier %q: want owner/repo", repository)
	}
	return Context{
		Repository: repository,
		Path:       filepath.Join(b.Root, owner, name),
		Branch:     b.DefaultBranch,
	}, nil
}
