// Package navigation decides which screen the client shows for a requested
// path. Decide is pure; switching screens is the caller's job.
package navigation

import (
	"strings"

	"github.com/alfredjeanlab/maintpwa/internal/model"
)

// Well-known paths.
const (
	LoginPath     = "/login"
	DashboardPath = "/dashboard"
)

// protected lists every route reachable when signed in, mapped to its
// canonical path.
var protected = map[string]string{
	"/":            DashboardPath,
	"/dashboard":   DashboardPath,
	"/vehicles":    "/vehicles",
	"/tracking":    "/tracking",
	"/maintenance": "/maintenance",
	"/statistics":  "/statistics",
	"/settings":    "/settings",
}

// Kind is the kind of view to show.
type Kind string

const (
	ShowLoading      Kind = "loading"
	ShowPublic       Kind = "public"
	ShowProtected    Kind = "protected"
	ShowMinimalShell Kind = "minimal_shell"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Decision is the view to show. Path is set for ShowPublic and
// ShowProtected.
type Decision struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path,omitempty"`
}

// Redirected reports whether showing d means replacing the requested path.
func (d Decision) Redirected(requested string) bool {
	if d.Path == "" {
		return false
	}
	return d.Path != Normalize(requested)
}

func (d Decision) String() string {
	if d.Path == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + "(" + d.Path + ")"
}

// Decide applies the routing rules in order: loading, anonymous, login
// redirect for signed-in users, minimal mode, then protected routes with a
// dashboard fallback.
func Decide(session model.Session, mode model.Mode, requested string) Decision {
	path := Normalize(requested)

	switch {
	case session.Status == model.StatusLoading:
		return Decision{Kind: ShowLoading}
	case !session.Authenticated():
		return Decision{Kind: ShowPublic, Path: LoginPath}
	case path == LoginPath:
		return Decision{Kind: ShowProtected, Path: DashboardPath}
	case mode == model.ModeMinimal:
		return Decision{Kind: ShowMinimalShell}
	}
	if canonical, ok := protected[path]; ok {
		return Decision{Kind: ShowProtected, Path: canonical}
	}
	return Decision{Kind: ShowProtected, Path: DashboardPath}
}

// Normalize strips the query and fragment, adds a leading slash and drops
// trailing slashes. Matching is case-sensitive.
func Normalize(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSpace(path)
	path = "/" + strings.Trim(path, "/")
	return path
}

// Routes returns the canonical protected routes.
func Routes() []string {
	return []string{DashboardPath, "/vehicles", "/tracking", "/maintenance", "/statistics", "/settings"}
}
