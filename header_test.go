package bareclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Headers_ordered_duplicates(t *testing.T) {
	var hs Headers
	hs.Add("Set-Cookie", "a=1")
	hs.Add("X-Other", "x")
	hs.Add("Set-Cookie", "b=2")

	v, ok := hs.Get("set-cookie")
	assert.True(t, ok)
	assert.Equal(t, "a=1", v)
	assert.Equal(t, []string{"a=1", "b=2"}, hs.Values("SET-COOKIE"))
	assert.Equal(t, 3, len(hs))
}

func Test_Headers_get_missing(t *testing.T) {
	hs := Headers{{Name: "accept", Value: "*/*"}}
	v, ok := hs.Get("authorization")
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.Nil(t, hs.Values("authorization"))
}

func Test_Headers_lower_preserves_order(t *testing.T) {
	hs := Headers{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "X-First", Value: "1"},
		{Name: "X-first", Value: "2"},
	}
	lowered := hs.Lower()
	assert.Equal(t, Headers{
		{Name: "content-type", Value: "text/plain"},
		{Name: "x-first", Value: "1"},
		{Name: "x-first", Value: "2"},
	}, lowered)
	// the original is untouched
	assert.Equal(t, "Content-Type", hs[0].Name)
}

func Test_Headers_strip_pseudo(t *testing.T) {
	hs := Headers{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	}
	assert.Equal(t, Headers{{Name: "content-type", Value: "text/plain"}}, hs.stripPseudo())
}

func Test_Headers_http_header(t *testing.T) {
	hs := Headers{
		{Name: "set-cookie", Value: "a=1"},
		{Name: "set-cookie", Value: "b=2"},
	}
	h := hs.httpHeader()
	assert.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
}
