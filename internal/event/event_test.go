package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"CREATED":         Created,
		"updated":         Updated,
		"DELETED":         Deleted,
		"INITIAL_LOAD":    InitialLoad,
		"PRODUCT_CREATED": Created,
		"PRODUCT_DELETED": Deleted,
		"USER_UPDATED":    Updated,
		"ARCHIVED":        Unknown,
		"":                Unknown,
	}
	for tag, want := range cases {
		assert.Equal(t, want, ParseType(tag), "tag %q", tag)
	}
}

func TestDecode_Envelope(t *testing.T) {
	env, err := Decode([]byte(`{"id":5,"eventType":"INITIAL_LOAD","payload":{"name":"Widget","price":9.99,"stock":100}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5), env.ID)
	assert.Equal(t, InitialLoad, env.Type)

	type item struct {
		Name  string `json:"name"`
		Stock int    `json:"stock"`
	}
	got, err := DecodePayload[item](env)
	require.NoError(t, err)
	assert.Equal(t, item{Name: "Widget", Stock: 100}, got)
}

func TestDecode_FlatMessage(t *testing.T) {
	env, err := Decode([]byte(`{"id":3,"eventType":"USER_CREATED","email":"ann@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, Created, env.Type)

	type account struct {
		Email string `json:"email"`
	}
	got, err := DecodePayload[account](env)
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", got.Email)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Decode([]byte(`{"eventType":"CREATED"}`))
	assert.True(t, errors.Is(err, ErrMalformed), "missing id")

	env, err := Decode([]byte(`{"id":9,"eventType":"DELETED"}`))
	require.NoError(t, err)
	assert.Empty(t, env.Payload)
	_, err = DecodePayload[map[string]any](env)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestEncode_DeletedCarriesOnlyID(t *testing.T) {
	b, err := Encode(4, Deleted, map[string]any{"name": "ignored"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"eventType":"DELETED"}`, string(b))

	b, err = Encode(4, Updated, map[string]any{"name": "x"})
	require.NoError(t, err)
	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, Updated, env.Type)
	assert.JSONEq(t, `{"name":"x"}`, string(env.Payload))
}
