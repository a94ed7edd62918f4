package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunc_FetchAll(t *testing.T) {
	var gw Gateway = Func(func(ctx context.Context) (domain.FlagMap, error) {
		return domain.FlagMap{"a": true}, nil
	})

	flags, err := gw.FetchAll(context.Background())
	require.NoError(t, err)
	assert.True(t, flags.Get("a"))
}

func TestStatic_ServesCopy(t *testing.T) {
	gw := NewStatic(domain.FlagMap{"a": true})

	first, err := gw.FetchAll(context.Background())
	require.NoError(t, err)
	first["a"] = false

	second, err := gw.FetchAll(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Get("a"))
	assert.Equal(t, 2, gw.Calls())
}

func TestStatic_SetAndSetFlag(t *testing.T) {
	gw := NewStatic(nil)

	gw.Set(domain.FlagMap{"a": true})
	gw.SetFlag("b", true)
	gw.SetFlag("a", false)

	flags, err := gw.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.FlagMap{"a": false, "b": true}, flags)
}

func TestStatic_Fail(t *testing.T) {
	gw := NewStatic(domain.FlagMap{"a": true})
	boom := errors.New("boom")

	gw.Fail(boom)
	_, err := gw.FetchAll(context.Background())
	assert.ErrorIs(t, err, boom)

	gw.Set(domain.FlagMap{"a": true})
	_, err = gw.FetchAll(context.Background())
	assert.NoError(t, err)
}

func TestStatic_CancelledContext(t *testing.T) {
	gw := NewStatic(domain.FlagMap{"a": true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.FetchAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatic_FetchAllFunc(t *testing.T) {
	gw := NewStatic(nil)
	gw.FetchAllFunc = func(ctx context.Context) (domain.FlagMap, error) {
		return domain.FlagMap{"override": true}, nil
	}

	flags, err := gw.FetchAll(context.Background())
	require.NoError(t, err)
	assert.True(t, flags.Get("override"))
	assert.Equal(t, 1, gw.Calls())
}
