package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, source string) Program {
	t.Helper()
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(source)
	require.NoError(t, err)
	return program
}

func TestHeaderLookupIsCaseInsensitive(t *testing.T) {
	program := compile(t, `header(request, "X-App") == "portal"`)

	matched, err := program.Match(Request{Headers: map[string]string{"X-App": "portal"}})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.Match(Request{Headers: map[string]string{"x-other": "portal"}})
	require.NoError(t, err)
	require.False(t, matched, "missing header should compare as null")
}

func TestAcceptsMatchesListedMediaTypes(t *testing.T) {
	program := compile(t, `accepts(request, "text/html")`)

	tests := []struct {
		accept string
		want   bool
	}{
		{"text/html,application/xhtml+xml;q=0.9", true},
		{"application/json, TEXT/HTML; q=0.5", true},
		{"application/json", false},
		{"", false},
	}
	for _, tc := range tests {
		headers := map[string]string{}
		if tc.accept != "" {
			headers["Accept"] = tc.accept
		}
		matched, err := program.Match(Request{Headers: headers})
		require.NoError(t, err)
		require.Equal(t, tc.want, matched, "accept %q", tc.accept)
	}
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`"text"`)
	require.Error(t, err)

	_, err = env.Compile(`  `)
	require.Error(t, err)

	_, err = env.Compile(`request.path.startsWith(`)
	require.Error(t, err)
}

func TestRequestPathMatching(t *testing.T) {
	program := compile(t, `request.method == "GET" && request.path.startsWith("/blog/") && request.kind == "document"`)

	matched, err := program.Match(Request{Method: "GET", Path: "/blog/launch", Kind: "document"})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.Match(Request{Method: "GET", Path: "/pricing", Kind: "document"})
	require.NoError(t, err)
	require.False(t, matched)
}

func TestQueryVariables(t *testing.T) {
	program := compile(t, `"preview" in request.query && request.query.preview == "1"`)

	matched, err := program.Match(Request{Query: map[string]string{"preview": "1"}})
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.Match(Request{})
	require.NoError(t, err)
	require.False(t, matched)
}

func TestDynamicNonBooleanResultIsAnError(t *testing.T) {
	program := compile(t, `request.path`)
	_, err := program.Match(Request{Path: "/x"})
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	program := compile(t, `  true `)
	require.Equal(t, "true", program.Source())
}
