package identity_test

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
)

func openStore(t *testing.T) *identity.Store {
	t.Helper()
	s, err := identity.OpenStore(filepath.Join(t.TempDir(), "state", "profiles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := identity.Profile{
		Name:      "exchange_user3@example.org",
		Server:    "exchange",
		Index:     3,
		Username:  "user3",
		Password:  "secret",
		Domain:    "EXAMPLE",
		Realm:     "example.org",
		Mailbox:   "user3@example.org",
		BaseURL:   "http://10.0.0.1:8080",
		Address:   net.ParseIP("10.1.0.3"),
		Interface: "tap2",
	}
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Get(ctx, p.Name)
	require.NoError(t, err)
	assert.Equal(t, p.Username, got.Username)
	assert.Equal(t, p.Mailbox, got.Mailbox)
	assert.Equal(t, 3, got.Index)
	assert.True(t, p.Address.Equal(got.Address))
	assert.Equal(t, "tap2", got.Interface)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStore_SaveUpserts(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := identity.Profile{Name: "a_user1", Server: "a", Index: 1, Username: "user1", Password: "one", Mailbox: "user1"}
	require.NoError(t, s.Save(ctx, p))
	p.Password = "two"
	p.Address = nil
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Get(ctx, "a_user1")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Password)
	assert.Nil(t, got.Address)

	list, err := s.List(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_GetNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, identity.ErrProfileNotFound)
}

func TestStore_ListOrderedBySlot(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, idx := range []int{5, 1, 3} {
		p := identity.Profile{
			Name:     fmt.Sprintf("srv_user%d", idx),
			Server:   "srv",
			Index:    idx,
			Username: "u",
			Mailbox:  "u",
		}
		require.NoError(t, s.Save(ctx, p))
	}
	require.NoError(t, s.Save(ctx, identity.Profile{Name: "other_x", Server: "other", Username: "x", Mailbox: "x"}))

	list, err := s.List(ctx, "srv")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{1, 3, 5}, []int{list[0].Index, list[1].Index, list[2].Index})
}

func TestStore_ClearInterfaces(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, identity.Profile{Name: "s_u1", Server: "s", Index: 1, Username: "u1", Mailbox: "u1", Interface: "tap0"}))
	require.NoError(t, s.Save(ctx, identity.Profile{Name: "t_u1", Server: "t", Index: 1, Username: "u1", Mailbox: "u1", Interface: "tap1"}))
	require.NoError(t, s.ClearInterfaces(ctx, "s"))

	got, err := s.Get(ctx, "s_u1")
	require.NoError(t, err)
	assert.Empty(t, got.Interface)

	other, err := s.Get(ctx, "t_u1")
	require.NoError(t, err)
	assert.Equal(t, "tap1", other.Interface)
}

func TestStore_InMemory(t *testing.T) {
	s, err := identity.OpenStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), identity.Profile{Name: "m_u", Server: "m", Username: "u", Mailbox: "u"}))
	_, err = s.Get(context.Background(), "m_u")
	assert.NoError(t, err)
	assert.Equal(t, ":memory:", s.Path())
}
