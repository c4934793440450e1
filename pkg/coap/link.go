package coap

import (
	"slices"
	"strconv"
	"strings"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
)

// WellKnownCore is the resource discovery path (RFC 6690 Section 4).
const WellKnownCore = "/.well-known/core"

// Link describes a resource in /.well-known/core.
type Link struct {
	ResourceTypes []string
	Interfaces    []string
	ContentFormat *message.ContentFormat
	Observable    bool
	Title         string
}

// String formats the target attributes of the link, without the URI.
func (l Link) String() string {
	var b strings.Builder
	if len(l.ResourceTypes) > 0 {
		b.WriteString(`;rt="` + strings.Join(l.ResourceTypes, " ") + `"`)
	}
	if len(l.Interfaces) > 0 {
		b.WriteString(`;if="` + strings.Join(l.Interfaces, " ") + `"`)
	}
	if l.ContentFormat != nil {
		b.WriteString(";ct=" + strconv.Itoa(int(*l.ContentFormat)))
	}
	if l.Observable {
		b.WriteString(";obs")
	}
	if l.Title != "" {
		b.WriteString(`;title="` + strings.ReplaceAll(l.Title, `"`, `'`) + `"`)
	}
	return b.String()
}

// formatLinks renders resources in CoRE Link Format, ordered by path.
func formatLinks(resources map[string]Link) []byte {
	paths := make([]string, 0, len(resources))
	for p := range resources {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	entries := make([]string, len(paths))
	for i, p := range paths {
		entries[i] = "<" + p + ">" + resources[p].String()
	}
	return []byte(strings.Join(entries, ","))
}

// wellKnownCore serves the link listing. A "rt" query filters by resource
// type (RFC 6690 Section 4.1).
func (e *Endpoint) wellKnownCore(r *exchange.Request) (*message.Message, error) {
	if r.Message.Code != message.GET {
		return &message.Message{Code: message.MethodNotAllowed}, nil
	}

	var rt string
	for _, q := range r.Message.Options.Queries() {
		if v, ok := strings.CutPrefix(q, "rt="); ok {
			rt = v
		}
	}

	e.linksMu.RLock()
	resources := make(map[string]Link, len(e.links))
	for p, l := range e.links {
		if rt != "" && !matchAttr(l.ResourceTypes, rt) {
			continue
		}
		resources[p] = l
	}
	e.linksMu.RUnlock()

	resp := Content(message.AppLinkFormat, formatLinks(resources))
	return resp, nil
}

// matchAttr matches a query value, with a trailing '*' as prefix match.
func matchAttr(values []string, query string) bool {
	if prefix, ok := strings.CutSuffix(query, "*"); ok {
		return slices.ContainsFunc(values, func(v string) bool {
			return strings.HasPrefix(v, prefix)
		})
	}
	return slices.Contains(values, query)
}
