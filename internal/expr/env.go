package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Request is the view of an intercepted request that route expressions see as
// the `request` variable. Header names are lower-cased; only the first value of
// each query parameter is kept.
type Request struct {
	Method  string
	Path    string
	Host    string
	Kind    string
	Query   map[string]string
	Headers map[string]string
}

func (r Request) activation() map[string]any {
	query := make(map[string]any, len(r.Query))
	for k, v := range r.Query {
		query[k] = v
	}
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[strings.ToLower(k)] = v
	}
	return map[string]any{"request": map[string]any{
		"method":  r.Method,
		"path":    r.Path,
		"host":    r.Host,
		"kind":    r.Kind,
		"query":   query,
		"headers": headers,
	}}
}

// Environment compiles route expressions.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares `request` plus two helpers:
//
//	header(request, "X-App")       header value or null, case-insensitive
//	accepts(request, "text/html")  whether the Accept header lists the media type
func NewEnvironment() (*Environment, error) {
	requestType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("request", requestType),
		cel.Function("header",
			cel.Overload("header_request_string",
				[]*cel.Type{requestType, cel.StringType},
				cel.DynType,
				cel.BinaryBinding(headerValue),
			),
		),
		cel.Function("accepts",
			cel.Overload("accepts_request_string",
				[]*cel.Type{requestType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(acceptsMedia),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled boolean route expression, safe for concurrent use.
type Program struct {
	source  string
	program cel.Program
}

// Compile type-checks expression and rejects anything that cannot yield a bool.
func (e *Environment) Compile(expression string) (Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", source, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return Program{source: source, program: program}, nil
}

// Match evaluates the program against req.
func (p Program) Match(req Request) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(req.activation())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %s", p.source, val.Type().TypeName())
}

// Source returns the trimmed expression.
func (p Program) Source() string { return p.source }

func headersOf(request ref.Val) (traits.Mapper, bool) {
	mapper, ok := request.(traits.Mapper)
	if !ok {
		return nil, false
	}
	headers, found := mapper.Find(types.String("headers"))
	if !found {
		return nil, false
	}
	h, ok := headers.(traits.Mapper)
	return h, ok
}

func headerValue(request, name ref.Val) ref.Val {
	key, ok := name.(types.String)
	if !ok {
		return types.NewErr("expr: header name must be a string")
	}
	headers, ok := headersOf(request)
	if !ok {
		return types.NullValue
	}
	value, found := headers.Find(types.String(strings.ToLower(string(key))))
	if !found || value == nil {
		return types.NullValue
	}
	return value
}

func acceptsMedia(request, media ref.Val) ref.Val {
	want, ok := media.(types.String)
	if !ok {
		return types.NewErr("expr: media type must be a string")
	}
	accept, ok := headerValue(request, types.String("accept")).(types.String)
	if !ok {
		return types.False
	}
	for _, part := range strings.Split(string(accept), ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		if strings.EqualFold(strings.TrimSpace(mediaType), string(want)) {
			return types.True
		}
	}
	return types.False
}
