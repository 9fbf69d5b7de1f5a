// Package identity resolves local player slots to signed-in users and tracks
// their online status.
package identity

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/netsession/internal/transport"
)

// MaxLocalUsers is the number of local player slots.
const MaxLocalUsers = 4

// SignedInUser is a user signed in on this machine.
// Fields are fixed once the roster is built.
type SignedInUser struct {
	Slot        int    `yaml:"slot"`
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	Gamertag    string `yaml:"gamertag"`
	OnlineID    string `yaml:"online_id"`
	SignedIn    bool   `yaml:"signed_in"`
}

// TransportUser converts the user into the identity the transport expects.
func (u *SignedInUser) TransportUser() transport.User {
	return transport.User{ID: u.UserID, Name: u.DisplayName}
}

// Service maps local slots to users and reports connectivity.
type Service interface {
	SignedInUsers() []*SignedInUser
	BySlot(slot int) (*SignedInUser, bool)
	ByGamertag(tag string) (*SignedInUser, bool)
	InitialUser() (*SignedInUser, bool)
	// IsSignedInOnline reports whether u is signed in to the online service
	// and the network is reachable.
	IsSignedInOnline(u *SignedInUser) bool
	NetworkOnline() bool
}

// ErrDuplicateSlot is returned when two roster entries claim the same slot.
var ErrDuplicateSlot = errors.New("duplicate local slot")

// Roster is an in-memory Service. Sign-in and connectivity state may be
// flipped from any goroutine.
type Roster struct {
	mu            sync.RWMutex
	users         []*SignedInUser
	signedIn      map[string]bool
	networkOnline bool
}

var _ Service = (*Roster)(nil)

type rosterFile struct {
	Users []SignedInUser `yaml:"users"`
}

// NewRoster builds a roster from users, filling in a gamertag from the
// display name and a random online id where absent.
//
// Precondition: slots must be unique and within [0, MaxLocalUsers).
// Postcondition: the network is reported online.
func NewRoster(users ...SignedInUser) (*Roster, error) {
	r := &Roster{
		signedIn:      make(map[string]bool, len(users)),
		networkOnline: true,
	}
	seen := make(map[int]bool, len(users))
	for i := range users {
		u := users[i]
		if u.Slot < 0 || u.Slot >= MaxLocalUsers {
			return nil, fmt.Errorf("user %q: slot must be 0-%d, got %d", u.UserID, MaxLocalUsers-1, u.Slot)
		}
		if seen[u.Slot] {
			return nil, fmt.Errorf("user %q slot %d: %w", u.UserID, u.Slot, ErrDuplicateSlot)
		}
		seen[u.Slot] = true
		if u.UserID == "" {
			return nil, fmt.Errorf("user in slot %d: user_id must not be empty", u.Slot)
		}
		if u.DisplayName == "" {
			u.DisplayName = u.UserID
		}
		if u.Gamertag == "" {
			u.Gamertag = u.DisplayName
		}
		if u.OnlineID == "" {
			u.OnlineID = uuid.NewString()
		}
		r.users = append(r.users, &u)
		r.signedIn[u.UserID] = u.SignedIn
	}
	sort.Slice(r.users, func(i, j int) bool { return r.users[i].Slot < r.users[j].Slot })
	return r, nil
}

// LoadRoster reads a YAML roster file of the form:
//
//	users:
//	  - slot: 0
//	    user_id: u1
//	    display_name: Alice
//	    signed_in: true
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}
	return NewRoster(f.Users...)
}

// SignedInUsers returns users that are currently signed in, ordered by slot.
func (r *Roster) SignedInUsers() []*SignedInUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SignedInUser, 0, len(r.users))
	for _, u := range r.users {
		if r.signedIn[u.UserID] {
			out = append(out, u)
		}
	}
	return out
}

// BySlot returns the signed-in user in slot.
func (r *Roster) BySlot(slot int) (*SignedInUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Slot == slot && r.signedIn[u.UserID] {
			return u, true
		}
	}
	return nil, false
}

// ByGamertag returns the signed-in user with the given gamertag.
func (r *Roster) ByGamertag(tag string) (*SignedInUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Gamertag == tag && r.signedIn[u.UserID] {
			return u, true
		}
	}
	return nil, false
}

// InitialUser returns the signed-in user with the lowest slot.
func (r *Roster) InitialUser() (*SignedInUser, bool) {
	users := r.SignedInUsers()
	if len(users) == 0 {
		return nil, false
	}
	return users[0], true
}

// IsSignedInOnline reports whether u is signed in and the network is up.
func (r *Roster) IsSignedInOnline(u *SignedInUser) bool {
	if u == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.networkOnline && r.signedIn[u.UserID]
}

// NetworkOnline reports simulated connectivity.
func (r *Roster) NetworkOnline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.networkOnline
}

// SetSignedIn flips a user's sign-in state.
//
// Postcondition: returns false if no user has userID.
func (r *Roster) SetSignedIn(userID string, signedIn bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signedIn[userID]; !ok {
		return false
	}
	r.signedIn[userID] = signedIn
	return true
}

// SetNetworkOnline flips connectivity for every user.
func (r *Roster) SetNetworkOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networkOnline = online
}
