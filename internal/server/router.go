package server

import (
	"context"
	"regexp"
	"slices"
	"strings"
)

var paramPattern = regexp.MustCompile(`(?i)\{([a-z0-9:?-]+)\}`)

type route struct {
	pattern string
	handler HandlerFunc
	methods []string
	re      *regexp.Regexp
	params  []string
}

func (rt *route) allows(method string) bool {
	return len(rt.methods) == 0 || slices.Contains(rt.methods, method)
}

// routeTable resolves request paths: exact literal matches first, then
// templates in registration order.
type routeTable struct {
	literal   map[string]*route
	templates []*route
}

func newRouteTable() *routeTable {
	return &routeTable{literal: make(map[string]*route)}
}

func (t *routeTable) add(rt *route) {
	locs := paramPattern.FindAllStringSubmatchIndex(rt.pattern, -1)
	if len(locs) == 0 {
		t.literal[rt.pattern] = rt
		return
	}

	var b strings.Builder
	b.WriteString("^")
	prev := 0
	for _, loc := range locs {
		b.WriteString(regexp.QuoteMeta(rt.pattern[prev:loc[0]]))
		b.WriteString("(.+)")
		rt.params = append(rt.params, rt.pattern[loc[2]:loc[3]])
		prev = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(rt.pattern[prev:]))
	b.WriteString("$")

	rt.re = regexp.MustCompile(b.String())
	t.templates = append(t.templates, rt)
}

func (t *routeTable) match(path string) (*route, map[string]string, bool) {
	if rt, ok := t.literal[path]; ok {
		return rt, nil, true
	}
	for _, rt := range t.templates {
		m := rt.re.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(map[string]string, len(rt.params))
		for i, name := range rt.params {
			params[name] = m[i+1]
		}
		return rt, params, true
	}
	return nil, nil, false
}

type paramsKey struct{}

func withParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// PathParam returns the value captured for a {name} placeholder of the
// matched route template.
func PathParam(ctx context.Context, name string) string {
	params, _ := ctx.Value(paramsKey{}).(map[string]string)
	return params[name]
}
