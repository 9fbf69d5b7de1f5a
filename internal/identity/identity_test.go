package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoster_Defaults(t *testing.T) {
	r, err := NewRoster(SignedInUser{Slot: 0, UserID: "u1", SignedIn: true})
	require.NoError(t, err)

	u, ok := r.BySlot(0)
	require.True(t, ok)
	assert.Equal(t, "u1", u.DisplayName)
	assert.Equal(t, "u1", u.Gamertag)
	assert.NotEmpty(t, u.OnlineID)
	assert.Equal(t, "u1", u.TransportUser().ID)
}

func TestNewRoster_Validation(t *testing.T) {
	_, err := NewRoster(SignedInUser{Slot: 4, UserID: "u1"})
	assert.Error(t, err)

	_, err = NewRoster(SignedInUser{Slot: 0, UserID: ""})
	assert.Error(t, err)

	_, err = NewRoster(
		SignedInUser{Slot: 1, UserID: "u1"},
		SignedInUser{Slot: 1, UserID: "u2"},
	)
	assert.ErrorIs(t, err, ErrDuplicateSlot)
}

func TestRoster_SignedInUsersOrderedBySlot(t *testing.T) {
	r, err := NewRoster(
		SignedInUser{Slot: 2, UserID: "c", SignedIn: true},
		SignedInUser{Slot: 0, UserID: "a", SignedIn: true},
		SignedInUser{Slot: 1, UserID: "b", SignedIn: false},
	)
	require.NoError(t, err)

	users := r.SignedInUsers()
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].UserID)
	assert.Equal(t, "c", users[1].UserID)

	initial, ok := r.InitialUser()
	require.True(t, ok)
	assert.Equal(t, "a", initial.UserID)

	_, ok = r.BySlot(1)
	assert.False(t, ok)
}

func TestRoster_OnlineStatus(t *testing.T) {
	r, err := NewRoster(SignedInUser{Slot: 0, UserID: "a", Gamertag: "Ace", SignedIn: true})
	require.NoError(t, err)
	u, ok := r.ByGamertag("Ace")
	require.True(t, ok)

	assert.True(t, r.IsSignedInOnline(u))

	r.SetNetworkOnline(false)
	assert.False(t, r.NetworkOnline())
	assert.False(t, r.IsSignedInOnline(u))

	r.SetNetworkOnline(true)
	require.True(t, r.SetSignedIn("a", false))
	assert.False(t, r.IsSignedInOnline(u))
	assert.False(t, r.SetSignedIn("nobody", true))
	assert.False(t, r.IsSignedInOnline(nil))

	_, ok = r.InitialUser()
	assert.False(t, ok)
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - slot: 0
    user_id: u1
    display_name: Alice
    signed_in: true
  - slot: 1
    user_id: u2
    display_name: Bob
    gamertag: bobby
    online_id: 7d1c0b3e-0000-0000-0000-000000000002
    signed_in: true
`), 0o644))

	r, err := LoadRoster(path)
	require.NoError(t, err)
	users := r.SignedInUsers()
	require.Len(t, users, 2)
	assert.Equal(t, "Alice", users[0].Gamertag)
	assert.Equal(t, "bobby", users[1].Gamertag)
	assert.Equal(t, "7d1c0b3e-0000-0000-0000-000000000002", users[1].OnlineID)
}

func TestLoadRoster_Errors(t *testing.T) {
	_, err := LoadRoster(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users: [ {slot: x"), 0o644))
	_, err = LoadRoster(path)
	assert.Error(t, err)
}
