package routing

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/offlinectl/internal/config"
	"github.com/l0p7/offlinectl/internal/expr"
)

// Default bucket bases, each suffixed with the agent version.
const (
	StaticBase  = "static"
	PagesBase   = "pages"
	APIBase     = "api"
	RuntimeBase = "runtime"
)

// Table is the ordered route table of one agent version. It is immutable
// after construction.
type Table struct {
	version   string
	apiPrefix string
	rules     []Rule
}

// NewTable builds a table from already compiled rules.
func NewTable(version, apiPrefix string, rules []Rule) *Table {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Table{version: version, apiPrefix: apiPrefix, rules: copied}
}

// Compile turns the manifest's declarative routes into a Table. Matchers are
// compiled here so a bad pattern fails the whole version.
func Compile(manifest config.ManifestConfig, apiPrefix string, env *expr.Environment) (*Table, error) {
	if strings.TrimSpace(manifest.Version) == "" {
		return nil, errors.New("routing: manifest version required")
	}
	rules := make([]Rule, 0, len(manifest.Routes))
	for i, route := range manifest.Routes {
		name := route.Name
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		strategy, ok := ParseStrategy(route.Strategy)
		if !ok {
			return nil, fmt.Errorf("routing: rule %s: unknown strategy %q", name, route.Strategy)
		}
		matcher, err := compileMatcher(route.Match, env)
		if err != nil {
			return nil, fmt.Errorf("routing: rule %s: %w", name, err)
		}
		rule := Rule{
			Name:     name,
			Matcher:  WithMethods(matcher, route.Match.Methods),
			Strategy: strategy,
			Expiration: Expiration{
				MaxEntries:    route.Expiration.MaxEntries,
				MaxAgeSeconds: route.Expiration.MaxAgeSeconds,
			},
			Timeout: time.Duration(route.TimeoutSeconds) * time.Second,
			SyncTag: strings.TrimSpace(route.SyncTag),
		}
		if strategy != NetworkOnly {
			rule.Bucket = BucketName(route.Bucket, manifest.Version)
			if rule.Bucket == "" {
				return nil, fmt.Errorf("routing: rule %s: bucket required for %s", name, strategy)
			}
		}
		rules = append(rules, rule)
	}
	return NewTable(manifest.Version, apiPrefix, rules), nil
}

func compileMatcher(match config.MatchConfig, env *expr.Environment) (Matcher, error) {
	switch {
	case match.Prefix != "":
		return Prefix(match.Prefix), nil
	case match.Regex != "":
		return Regex(match.Regex)
	case match.Glob != "":
		return Glob(match.Glob)
	case match.CEL != "":
		if env == nil {
			return nil, errors.New("cel matcher requires an expression environment")
		}
		return CEL(env, match.CEL)
	}
	return nil, errors.New("matcher required")
}

// Rules returns a copy of the declared rules in order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Classify derives the request kind using the table's API prefix.
func (t *Table) Classify(r *http.Request) Kind {
	return Classify(r, t.apiPrefix)
}

// Resolve returns the first declared rule matching r, or the default rule for
// the request's kind. It has no side effects.
func (t *Table) Resolve(r *http.Request) Rule {
	kind := t.Classify(r)
	for _, rule := range t.rules {
		if rule.Matcher != nil && rule.Matcher.Match(r, kind) {
			return rule
		}
	}
	return t.defaultRule(r, kind)
}

func (t *Table) defaultRule(r *http.Request, kind Kind) Rule {
	if !IsSafe(r.Method) {
		return Rule{Name: "default-mutation", Strategy: NetworkOnly, Default: true}
	}
	switch kind {
	case KindAPI:
		return Rule{Name: "default-api", Strategy: NetworkFirst, Bucket: t.StaticBucketFor(APIBase), Default: true}
	case KindDocument:
		return Rule{Name: "default-document", Strategy: NetworkFirst, Bucket: t.StaticBucketFor(PagesBase), Default: true}
	}
	return Rule{Name: "default-asset", Strategy: StaleWhileRevalidate, Bucket: t.StaticBucketFor(RuntimeBase), Default: true}
}

// StaticBucketFor returns the versioned bucket for base.
func (t *Table) StaticBucketFor(base string) string {
	return VersionedBucket(base, t.version)
}

// StaticBucket is the bucket install precaches into.
func (t *Table) StaticBucket() string {
	return t.StaticBucketFor(StaticBase)
}

// KnownBuckets lists every bucket the version may write: the static bucket,
// the default buckets and each declared rule's bucket.
func (t *Table) KnownBuckets() []string {
	set := map[string]struct{}{
		t.StaticBucket():               {},
		t.StaticBucketFor(PagesBase):   {},
		t.StaticBucketFor(APIBase):     {},
		t.StaticBucketFor(RuntimeBase): {},
	}
	for _, rule := range t.rules {
		if rule.Bucket != "" {
			set[rule.Bucket] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
