package router

import (
	"net/http"
	"regexp"
	"strings"
)

// PatternRouter provides pattern-based routing with placeholder support
// Supports patterns like "/api/sessions/{id}/slots/{slot}/snapshot"
type PatternRouter struct {
	routes []routeEntry
}

type routeEntry struct {
	method  string
	pattern *regexp.Regexp
	handler http.HandlerFunc
	keys    []string
}

// NewPatternRouter creates a new pattern router
func NewPatternRouter() *PatternRouter {
	return &PatternRouter{
		routes: make([]routeEntry, 0),
	}
}

// Handle registers a handler for a URL pattern with placeholders, restricted
// to method. An empty method matches any method.
// Pattern examples:
//   - "/api/sessions/{id}" - matches /api/sessions/abc123
//   - "/api/sessions/{id}/slots/{slot:[0-9]+}/source" - matches /api/sessions/abc123/slots/0/source
func (pr *PatternRouter) Handle(method, pattern string, handler http.HandlerFunc) {
	regexPattern, keys := compilePattern(pattern)
	pr.routes = append(pr.routes, routeEntry{
		method:  method,
		pattern: regexPattern,
		handler: handler,
		keys:    keys,
	})
}

// ServeHTTP implements http.Handler interface
func (pr *PatternRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathMatched := false
	for _, route := range pr.routes {
		matches := route.pattern.FindStringSubmatch(r.URL.Path)
		if matches == nil {
			continue
		}
		pathMatched = true
		if route.method != "" && route.method != r.Method {
			continue
		}
		for i, key := range route.keys {
			if i+1 < len(matches) {
				r.SetPathValue(key, matches[i+1])
			}
		}
		route.handler(w, r)
		return
	}
	if pathMatched {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.NotFound(w, r)
}

// compilePattern converts a pattern with placeholders to a regular expression
// Returns the compiled regex and a list of placeholder keys
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	keys := make([]string, 0)

	// Escape special regex characters except {}
	regexPattern := regexp.QuoteMeta(pattern)

	// Find all placeholders like {key} or {key:regex}
	placeholderRegex := regexp.MustCompile(`\\\{([^}:]+)(?::([^}]+))?\\\}`)
	regexPattern = placeholderRegex.ReplaceAllStringFunc(regexPattern, func(match string) string {
		content := strings.TrimPrefix(strings.TrimSuffix(match, `\}`), `\{`)
		parts := strings.SplitN(content, ":", 2)

		keys = append(keys, parts[0])

		// Use custom regex if provided, otherwise match any non-slash characters
		if len(parts) == 2 {
			return "(" + strings.ReplaceAll(parts[1], `\`, "") + ")"
		}
		return `([^/]+)`
	})

	// Anchor the pattern to match the full path
	return regexp.MustCompile("^" + regexPattern + "$"), keys
}
