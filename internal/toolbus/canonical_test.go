package toolbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canon(t *testing.T, in string) string {
	t.Helper()
	out, err := Canonicalize(json.RawMessage(in))
	require.NoError(t, err)
	return string(out)
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	assert.Equal(t, `{"a":1,"b":2,"z":3}`, canon(t, `{"z":3,"a":1,"b":2}`))
}

func TestCanonicalizeNestedAndArrays(t *testing.T) {
	got := canon(t, `{"b":{"y":2,"x":1},"a":[3,1,2]}`)
	// Array order is significant and preserved; object keys are not.
	assert.Equal(t, `{"a":[3,1,2],"b":{"x":1,"y":2}}`, got)
}

func TestCanonicalizeNumberEquivalence(t *testing.T) {
	assert.Equal(t, canon(t, `{"n":1}`), canon(t, `{"n":1.0}`))
	assert.Equal(t, `{"n":1}`, canon(t, `{"n":1.0}`))
	assert.Equal(t, `{"n":1.5}`, canon(t, `{"n":1.5}`))
	// Large integers survive verbatim instead of rounding through float64.
	assert.Equal(t, `{"n":9007199254740993}`, canon(t, `{"n":9007199254740993}`))
}

func TestCanonicalizeNFCStrings(t *testing.T) {
	// U+0065 U+0301 (e + combining acute) normalizes to U+00E9.
	composed := canon(t, `{"k":"caf\u00e9"}`)
	decomposed := canon(t, `{"k":"cafe\u0301"}`)
	assert.Equal(t, composed, decomposed)
}

func TestCanonicalizeWhitespaceIrrelevant(t *testing.T) {
	assert.Equal(t, canon(t, `{"msg":"hi","n":1}`), canon(t, `  {  "n" : 1 ,  "msg" : "hi" } `))
}

func TestCanonicalizeEmptyBody(t *testing.T) {
	assert.Equal(t, `{}`, canon(t, ``))
	assert.Equal(t, `{}`, canon(t, `{}`))
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize(json.RawMessage(`{"a":`))
	require.Error(t, err)
	_, err = Canonicalize(json.RawMessage(`{} {}`))
	require.Error(t, err)
}

func TestRequestHashStability(t *testing.T) {
	a := RequestHash("echo", []byte(`{"msg":"hi"}`))
	b := RequestHash("echo", []byte(`{"msg":"hi"}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Same arguments under a different tool name must not collide.
	c := RequestHash("read_file", []byte(`{"msg":"hi"}`))
	assert.NotEqual(t, a, c)

	// The separator byte keeps (name, args) framing unambiguous.
	d := RequestHash("ech", []byte(`o{"msg":"hi"}`))
	assert.NotEqual(t, a, d)
}

func TestHashEqualForEquivalentArguments(t *testing.T) {
	c1, err := Canonicalize(json.RawMessage(`{"n":1.0,"s":"caf\u00e9"}`))
	require.NoError(t, err)
	c2, err := Canonicalize(json.RawMessage(`{"s":"cafe\u0301","n":1}`))
	require.NoError(t, err)
	assert.Equal(t, RequestHash("echo", c1), RequestHash("echo", c2))
}
