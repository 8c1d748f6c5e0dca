package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Source{Name: "shop"}))
	require.NoError(t, r.Register(Source{Name: "market"}))

	assert.ErrorIs(t, r.Register(Source{Name: "shop"}), ErrDuplicateSource)
	assert.ErrorIs(t, r.Register(Source{Name: "  "}), ErrEmptyName)

	s, ok := r.Lookup("shop")
	assert.True(t, ok)
	assert.Equal(t, "shop", s.Name)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"market", "shop"}, r.Names())
}

func TestInvokeMissingCapabilityIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Source{Name: "shop"}))

	for _, c := range AllCapabilities() {
		called, err := r.Invoke(context.Background(), "shop", c, "x", Env{})
		assert.NoError(t, err, c)
		assert.False(t, called, c)
	}
}

func TestInvokeDispatches(t *testing.T) {
	var got []string
	record := func(name string) Func {
		return func(ctx context.Context, env Env) error {
			got = append(got, name+":"+env.Source)
			return nil
		}
	}
	recordArg := func(name string) ArgFunc {
		return func(ctx context.Context, env Env, arg string) error {
			got = append(got, name+":"+arg)
			return nil
		}
	}

	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Register(Source{
		Name:            "shop",
		GetItemsByQuery: recordArg("query"),
		UpdateItems:     record("items"),
		UpdateReviews:   func(ctx context.Context, env Env) error { return boom },
		UpdateItemByID:  recordArg("id"),
		GetItemsByBrand: recordArg("brand"),
		UpdateWithTags:  record("tags"),
	}))

	env := Env{Source: "shop"}
	ctx := context.Background()

	for _, tc := range []struct {
		c   Capability
		arg string
	}{
		{CapQuery, "tote"}, {CapItems, ""}, {CapID, "42"}, {CapBrand, "acme"}, {CapTags, ""},
	} {
		called, err := r.Invoke(ctx, "shop", tc.c, tc.arg, env)
		require.NoError(t, err)
		assert.True(t, called)
	}
	assert.Equal(t, []string{"query:tote", "items:shop", "id:42", "brand:acme", "tags:shop"}, got)

	called, err := r.Invoke(ctx, "shop", CapReviews, "", env)
	assert.True(t, called)
	assert.ErrorIs(t, err, boom)

	_, err = r.Invoke(ctx, "nowhere", CapItems, "", env)
	assert.ErrorIs(t, err, ErrUnknownSource)

	_, err = r.Invoke(ctx, "shop", Capability("bogus"), "", env)
	assert.ErrorIs(t, err, ErrUnknownCapability)
}

func TestCapabilities(t *testing.T) {
	s := Source{Name: "shop", UpdateItems: func(ctx context.Context, env Env) error { return nil }}
	assert.Equal(t, []Capability{CapItems}, s.Capabilities())
	assert.True(t, s.Has(CapItems))
	assert.False(t, s.Has(CapTags))

	c, err := ParseCapability(" Reviews ")
	require.NoError(t, err)
	assert.Equal(t, CapReviews, c)
	assert.False(t, c.TakesArg())
	assert.True(t, CapBrand.TakesArg())

	_, err = ParseCapability("export")
	assert.ErrorIs(t, err, ErrUnknownCapability)
}
