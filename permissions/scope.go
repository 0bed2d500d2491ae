package permissions

import (
	"net"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Name identifies a permission domain. It is also the permission string
// sent to the broker.
type Name string

const (
	Read  Name = "read"
	Write Name = "write"
	Net   Name = "net"
	Env   Name = "env"
	Run   Name = "run"
	Sys   Name = "sys"
)

// Names lists every domain.
var Names = []Name{Read, Write, Net, Env, Run, Sys}

// scoper knows how scopes of one domain nest.
type scoper interface {
	normalize(v string) string
	// includes reports whether scope covers target.
	includes(scope, target string) bool
}

func scoperFor(n Name, cwd string) scoper {
	switch n {
	case Read, Write:
		return pathScope{cwd: cwd}
	case Net:
		return hostScope{}
	default:
		return exactScope{}
	}
}

type pathScope struct{ cwd string }

func (p pathScope) normalize(v string) string {
	if v == "" || hasMeta(v) {
		return v
	}
	if !filepath.IsAbs(v) && p.cwd != "" {
		v = filepath.Join(p.cwd, v)
	}
	return filepath.Clean(v)
}

func (pathScope) includes(scope, target string) bool {
	if scope == "" {
		return true
	}
	if target == "" {
		return false
	}
	if hasMeta(scope) {
		if ok, _ := doublestar.Match(scope, target); ok {
			return true
		}
		ok, _ := doublestar.Match(strings.TrimSuffix(scope, "/")+"/**", target)
		return ok
	}
	if scope == target || scope == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(target, scope+string(filepath.Separator))
}

type hostScope struct{}

func (hostScope) normalize(v string) string { return strings.ToLower(v) }

func splitHost(v string) (host, port string) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		return h, p
	}
	return strings.Trim(v, "[]"), ""
}

func (hostScope) includes(scope, target string) bool {
	if scope == "" {
		return true
	}
	if target == "" {
		return false
	}
	sh, sp := splitHost(scope)
	th, tp := splitHost(target)
	if sp != "" && sp != tp {
		return false
	}
	if hasMeta(sh) {
		ok, _ := doublestar.Match(sh, th)
		return ok
	}
	return sh == th
}

type exactScope struct{}

func (exactScope) normalize(v string) string { return v }

func (exactScope) includes(scope, target string) bool {
	if scope == "" {
		return true
	}
	if target == "" {
		return false
	}
	if hasMeta(scope) {
		ok, _ := doublestar.Match(scope, target)
		return ok
	}
	return scope == target
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
