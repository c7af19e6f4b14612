package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
	"github.com/wesleyorama2/mailsim/internal/simulator/identity"
)

func newRunner(t *testing.T) (*Runner, *backend.Memory, *identity.Store) {
	t.Helper()
	store, err := identity.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mem := backend.NewMemory()
	return &Runner{
		Profiles: store,
		Client:   mem,
		Scenarios: []config.ScenarioConfig{
			{Name: "sendmail", Repeat: 2},
			{Name: "fetchmail", Repeat: 1},
		},
	}, mem, store
}

func saveProfile(t *testing.T, store *identity.Store, mem *backend.Memory, name, user string) {
	t.Helper()
	p := identity.Profile{Name: name, Server: "srv", Index: 1, Username: user, Password: "pw", Mailbox: user + "@example.org"}
	require.NoError(t, store.Save(context.Background(), p))
	if mem != nil {
		require.NoError(t, mem.Create(context.Background(), p.Account()))
	}
}

func TestRunner_RunsScenarios(t *testing.T) {
	r, mem, store := newRunner(t)
	saveProfile(t, store, mem, "srv_user1", "user1")

	rep, err := r.Run(context.Background(), Job{Slot: 1, Profile: "srv_user1"})
	require.NoError(t, err)
	require.NotNil(t, rep)

	counts := map[string]int64{}
	for _, m := range rep.Modules {
		counts[m.Name] = m.Invocations
	}
	assert.Equal(t, map[string]int64{"sendmail": 2, "fetchmail": 1, "cleanup": 1}, counts)

	// Cleanup emptied what sendmail delivered.
	assert.Empty(t, mem.Folder("user1", backend.FolderInbox))
	assert.Equal(t, int64(1), mem.Logons())
}

func TestRunner_LogonFailureIsIdentityError(t *testing.T) {
	r, _, store := newRunner(t)
	saveProfile(t, store, nil, "srv_ghost1", "ghost1")

	rep, err := r.Run(context.Background(), Job{Slot: 3, Profile: "srv_ghost1"})
	assert.Nil(t, rep)

	var slotErr *identity.SlotError
	require.True(t, errors.As(err, &slotErr))
	assert.Equal(t, 3, slotErr.Index)
	assert.ErrorIs(t, err, backend.ErrLogonFailed)
}

func TestRunner_MissingProfile(t *testing.T) {
	r, _, _ := newRunner(t)
	_, err := r.Run(context.Background(), Job{Profile: "nope"})
	assert.ErrorIs(t, err, identity.ErrProfileNotFound)
}
