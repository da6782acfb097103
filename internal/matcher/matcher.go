// Package matcher implements the Matcher component (spec.md §4.1): it
// compiles a validated config.Config into a deterministic per-server,
// per-host lookup structure and resolves (host, path) to a model.Route.
package matcher

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/fabian4/quark/internal/config"
	"github.com/fabian4/quark/internal/model"
)

// ErrMalformedPath is returned by Match when the request path cannot be
// canonicalized (spec.md §4.1's "reject with 400" clause).
var ErrMalformedPath = errors.New("matcher: malformed request path")

// entry is one compiled Location or Redirection, kept in declared order:
// locations first, then redirections, exactly as spec.md §4.1 requires.
type entry struct {
	kind config.PatternKind
	key  string
	toRoute func(suffix string) model.Route
}

// serviceTable is the compiled entry list for one Service.
type serviceTable struct {
	name    string
	entries []entry
}

// Table is the compiled lookup structure for one Server: host (lowercased,
// no port) -> serviceTable.
type Table struct {
	byHost map[string]*serviceTable
}

// BuildTables compiles cfg into one Table per server name.
func BuildTables(cfg *config.Config) (map[string]*Table, error) {
	tables := make(map[string]*Table, len(cfg.Servers))
	for name := range cfg.Servers {
		tables[name] = &Table{byHost: map[string]*serviceTable{}}
	}
	for name, svc := range cfg.Services {
		st, err := compileService(name, svc)
		if err != nil {
			return nil, err
		}
		t := tables[svc.Server]
		if t == nil {
			t = &Table{byHost: map[string]*serviceTable{}}
			tables[svc.Server] = t
		}
		t.byHost[svc.Domain] = st
	}
	return tables, nil
}

func compileService(name string, svc config.Service) (*serviceTable, error) {
	st := &serviceTable{name: name}
	for i, loc := range svc.Locations {
		e, err := compileLocation(name, loc)
		if err != nil {
			return nil, fmt.Errorf("matcher: services.%s.locations[%d]: %w", name, i, err)
		}
		st.entries = append(st.entries, e)
	}
	for _, red := range svc.Redirections {
		st.entries = append(st.entries, compileRedirection(name, red))
	}
	return st, nil
}

func compileLocation(serviceName string, loc config.Location) (entry, error) {
	if loc.ServeFiles {
		rootDir := loc.Target
		resHdr := model.HeaderOps{Set: loc.ResponseHeaders.Set, Remove: loc.ResponseHeaders.Remove}
		return entry{
			kind: loc.Kind,
			key:  loc.Key,
			toRoute: func(suffix string) model.Route {
				return model.Route{
					Kind:            model.RouteStatic,
					ServiceName:     serviceName,
					RootDir:         rootDir,
					Suffix:          suffix,
					ResponseHeaders: resHdr,
				}
			},
		}, nil
	}

	target := loc.Target
	if loc.PoolName != "" {
		// net/url rejects '{' in a host name; only the path is used here.
		target = strings.Replace(target, "${"+loc.PoolName+"}", "pool", 1)
	}
	u, err := url.Parse(target)
	if err != nil {
		return entry{}, fmt.Errorf("parse target %q: %w", loc.Target, err)
	}
	targetPath := u.Path
	if targetPath == "" {
		targetPath = "/"
	}
	// Prefix routes join targetPath with the captured suffix and need a
	// trailing slash to join cleanly; Exact routes use targetPath as-is,
	// per spec.md §4.1's "target_path exactly" rule.
	if loc.Kind == config.PatternPrefix && !strings.HasSuffix(targetPath, "/") {
		targetPath += "/"
	}
	poolName := loc.PoolName
	var upstream model.Endpoint
	if poolName == "" {
		upstream = model.Endpoint{Scheme: "http", Host: u.Host}
	}
	preserve := loc.Kind == config.PatternPrefix
	reqHdr := model.HeaderOps{Set: loc.RequestHeaders.Set, Remove: loc.RequestHeaders.Remove}
	resHdr := model.HeaderOps{Set: loc.ResponseHeaders.Set, Remove: loc.ResponseHeaders.Remove}

	return entry{
		kind: loc.Kind,
		key:  loc.Key,
		toRoute: func(suffix string) model.Route {
			return model.Route{
				Kind:            model.RouteForward,
				ServiceName:     serviceName,
				PoolName:        poolName,
				StaticUpstream:  upstream,
				TargetPathBase:  targetPath,
				PreserveSuffix:  preserve,
				Suffix:          suffix,
				RequestHeaders:  reqHdr,
				ResponseHeaders: resHdr,
			}
		},
	}, nil
}

func compileRedirection(serviceName string, red config.Redirection) entry {
	target := red.Target
	status := red.Code
	return entry{
		kind: red.Kind,
		key:  red.Key,
		toRoute: func(suffix string) model.Route {
			return model.Route{
				Kind:        model.RouteRedirect,
				ServiceName: serviceName,
				Status:      status,
				Location:    target + suffix,
			}
		},
	}
}

// Match resolves (host, rawPath) against the compiled table. A zero route
// with ok=false and a nil error means "no match" (spec.md §4.1: 404).
func (t *Table) Match(host, rawPath string) (route model.Route, ok bool, err error) {
	normalized, err := normalizePath(rawPath)
	if err != nil {
		return model.Route{}, false, ErrMalformedPath
	}
	st, found := t.byHost[hostOnly(host)]
	if !found {
		return model.Route{}, false, nil
	}
	for _, e := range st.entries {
		switch e.kind {
		case config.PatternExact:
			if normalized == e.key {
				return e.toRoute(""), true, nil
			}
		case config.PatternPrefix:
			if strings.HasPrefix(normalized, e.key) {
				return e.toRoute(normalized[len(e.key):]), true, nil
			}
		}
	}
	return model.Route{}, false, nil
}

func hostOnly(h string) string {
	h = strings.ToLower(h)
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.Trim(h, "[]")
}

// normalizePath canonicalizes a request target per spec.md §4.1: percent
// decoding is applied only to unreserved bytes, "//" is collapsed, and "."
// / ".." segments are resolved, rejecting any escape above root.
func normalizePath(raw string) (string, error) {
	decoded, err := decodeUnreserved(raw)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}
	segments := strings.Split(decoded, "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("matcher: path escapes root")
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	result := "/" + strings.Join(stack, "/")
	if strings.HasSuffix(decoded, "/") && result != "/" {
		result += "/"
	}
	return result, nil
}

func decodeUnreserved(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) {
				return "", fmt.Errorf("matcher: invalid percent-encoding")
			}
			hi, err1 := hexVal(s[i+1])
			lo, err2 := hexVal(s[i+2])
			if err1 != nil || err2 != nil {
				return "", fmt.Errorf("matcher: invalid percent-encoding")
			}
			ch := byte(hi<<4 | lo)
			if isUnreserved(ch) {
				b.WriteByte(ch)
			} else {
				b.WriteByte(s[i])
				b.WriteByte(s[i+1])
				b.WriteByte(s[i+2])
			}
			i += 2
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("matcher: invalid hex digit %q", c)
	}
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
