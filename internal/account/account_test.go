package account_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/verimail/internal/account"
	"github.com/nhle/verimail/tests/testutil"
)

func TestConfigureAndSelfAddr(t *testing.T) {
	acc := account.New(testutil.NewTestStore(t))
	ctx := context.Background()

	_, err := acc.ConfiguredAddr(ctx)
	assert.ErrorIs(t, err, account.ErrNotConfigured)

	require.NoError(t, acc.Configure(ctx, " alice@example.org ", "Alice"))

	addr, err := acc.ConfiguredAddr(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", addr)

	name, err := acc.DisplayName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	self, err := acc.IsSelfAddr(ctx, "ALICE@example.org")
	require.NoError(t, err)
	assert.True(t, self)

	self, err = acc.IsSelfAddr(ctx, "bob@example.org")
	require.NoError(t, err)
	assert.False(t, self)

	assert.Error(t, acc.Configure(ctx, "  ", ""))
}
