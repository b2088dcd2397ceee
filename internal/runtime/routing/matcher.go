package routing

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/l0p7/offlinectl/internal/expr"
)

// Matcher selects requests for a rule. Implementations are immutable and safe
// for concurrent use.
type Matcher interface {
	Match(r *http.Request, kind Kind) bool
	String() string
}

type prefixMatcher struct {
	prefix string
}

// Prefix matches request paths starting with prefix.
func Prefix(prefix string) Matcher {
	return prefixMatcher{prefix: prefix}
}

func (m prefixMatcher) Match(r *http.Request, _ Kind) bool {
	return strings.HasPrefix(r.URL.Path, m.prefix)
}

func (m prefixMatcher) String() string { return "prefix:" + m.prefix }

type regexMatcher struct {
	re *regexp.Regexp
}

// Regex matches the request path and query against pattern.
func Regex(pattern string) (Matcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("routing: compile regex %q: %w", pattern, err)
	}
	return regexMatcher{re: re}, nil
}

func (m regexMatcher) Match(r *http.Request, _ Kind) bool {
	return m.re.MatchString(r.URL.RequestURI())
}

func (m regexMatcher) String() string { return "regex:" + m.re.String() }

type globMatcher struct {
	pattern string
	g       glob.Glob
}

// Glob matches request paths against a slash-separated glob such as
// "/static/**/*.js".
func Glob(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("routing: compile glob %q: %w", pattern, err)
	}
	return globMatcher{pattern: pattern, g: g}, nil
}

func (m globMatcher) Match(r *http.Request, _ Kind) bool {
	return m.g.Match(r.URL.Path)
}

func (m globMatcher) String() string { return "glob:" + m.pattern }

type celMatcher struct {
	program expr.Program
}

// CEL matches requests for which program evaluates to true. Evaluation errors
// count as no match.
func CEL(env *expr.Environment, expression string) (Matcher, error) {
	program, err := env.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	return celMatcher{program: program}, nil
}

func (m celMatcher) Match(r *http.Request, kind Kind) bool {
	ok, err := m.program.Match(celRequest(r, kind))
	return err == nil && ok
}

func (m celMatcher) String() string { return "cel:" + m.program.Source() }

func celRequest(r *http.Request, kind Kind) expr.Request {
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ",")
	}
	return expr.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Host:    r.Host,
		Kind:    string(kind),
		Query:   query,
		Headers: headers,
	}
}

type methodMatcher struct {
	methods []string
	inner   Matcher
}

// WithMethods restricts inner to the listed methods. An empty list restricts
// the rule to GET and HEAD.
func WithMethods(inner Matcher, methods []string) Matcher {
	normalized := make([]string, 0, len(methods))
	for _, m := range methods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			normalized = append(normalized, m)
		}
	}
	if len(normalized) == 0 {
		normalized = []string{http.MethodGet, http.MethodHead}
	}
	return methodMatcher{methods: normalized, inner: inner}
}

func (m methodMatcher) Match(r *http.Request, kind Kind) bool {
	return slices.Contains(m.methods, r.Method) && m.inner.Match(r, kind)
}

func (m methodMatcher) String() string {
	return strings.Join(m.methods, "|") + " " + m.inner.String()
}
