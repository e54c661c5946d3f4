package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForeignUIDCoercion(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "string sub", raw: `{"sub":"abc-123","email":"a@b.c"}`, want: "abc-123"},
		{name: "numeric sub", raw: `{"sub":42,"email":"a@b.c"}`, want: "42"},
		{name: "large numeric sub", raw: `{"sub":9007199254740993,"email":"a@b.c"}`, want: "9007199254740993"},
		{name: "id fallback", raw: `{"id":"gh-77","email":"a@b.c"}`, want: "gh-77"},
		{name: "uid fallback", raw: `{"uid":7,"email":"a@b.c"}`, want: "7"},
		{name: "sub wins over id", raw: `{"sub":"s","id":"i","email":"a@b.c"}`, want: "s"},
		{name: "null sub falls through", raw: `{"sub":null,"id":"i","email":"a@b.c"}`, want: "i"},
		{name: "nothing", raw: `{"email":"a@b.c"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := parseUpstreamClaims([]byte(tt.raw))
			require.NoError(t, err)

			uid, err := claims.foreignUID()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, uid)
		})
	}
}

func TestNameFallbacks(t *testing.T) {
	claims, err := parseUpstreamClaims([]byte(`{"name":"Ada Lovelace"}`))
	require.NoError(t, err)
	assert.Equal(t, "Ada", claims.givenName())
	assert.Equal(t, "Lovelace", claims.familyName())

	claims, err = parseUpstreamClaims([]byte(`{"given_name":"Grace","family_name":"Hopper","name":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "Grace", claims.givenName())
	assert.Equal(t, "Hopper", claims.familyName())

	// A single token cannot be split.
	claims, err = parseUpstreamClaims([]byte(`{"name":"Prince"}`))
	require.NoError(t, err)
	assert.Equal(t, "N/A", claims.givenName())
	assert.Equal(t, "N/A", claims.familyName())

	claims, err = parseUpstreamClaims([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "N/A", claims.givenName())
	assert.Equal(t, "N/A", claims.familyName())
}

func TestMatchClaimPath(t *testing.T) {
	raw := []byte(`{
		"groups": ["dev", "ops"],
		"realm_access": {"roles": ["user", "admin"]},
		"is_admin": true,
		"level": 3,
		"plain": "yes"
	}`)

	tests := []struct {
		name          string
		path          string
		value         string
		wantMatch     bool
		wantEvaluated bool
	}{
		{name: "array hit", path: "$.groups", value: "ops", wantMatch: true, wantEvaluated: true},
		{name: "array miss", path: "$.groups", value: "admins", wantMatch: false, wantEvaluated: true},
		{name: "nested array hit", path: "$.realm_access.roles", value: "admin", wantMatch: true, wantEvaluated: true},
		{name: "scalar hit", path: "$.plain", value: "yes", wantMatch: true, wantEvaluated: true},
		{name: "bool compares via json rendering", path: "$.is_admin", value: "true", wantMatch: true, wantEvaluated: true},
		{name: "number compares via json rendering", path: "$.level", value: "3", wantMatch: true, wantEvaluated: true},
		{name: "missing path", path: "$.nope", value: "x", wantMatch: false, wantEvaluated: false},
		{name: "garbage path", path: "$[", value: "x", wantMatch: false, wantEvaluated: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, evaluated := matchClaimPath(raw, tt.path, tt.value)
			assert.Equal(t, tt.wantMatch, matched)
			assert.Equal(t, tt.wantEvaluated, evaluated)
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "de", normalizeLanguage("de-DE"))
	assert.Equal(t, "en", normalizeLanguage("en_US"))
	assert.Equal(t, "fr", normalizeLanguage("FR"))
	assert.Equal(t, "en", normalizeLanguage("weird-locale-string"))
	assert.Equal(t, "en", normalizeLanguage("x"))
}
