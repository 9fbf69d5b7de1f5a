package netsession

import (
	"github.com/cory-johannsen/netsession/internal/identity"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// AvailableSession is a search result that can be passed to Context.Join.
type AvailableSession struct {
	Info        transport.SessionInfo
	SessionType SessionType
	Properties  *Properties
	// LocalGamersMask has bit n set when the local user in slot n joins.
	LocalGamersMask uint8
	SlotsNeeded     int
}

// ID returns the transport session id.
func (a AvailableSession) ID() string { return a.Info.ID }

// HostName returns the display name the host advertised.
func (a AvailableSession) HostName() string { return a.Info.Owner }

func (a AvailableSession) CurrentGamerCount() int { return a.Info.NumMembers }

func (a AvailableSession) OpenPublicGamerSlots() int { return a.Info.OpenSlots() }

func slotMask(users []*identity.SignedInUser) uint8 {
	var mask uint8
	for _, u := range users {
		mask |= 1 << uint(u.Slot)
	}
	return mask
}

// usersFromMask resolves the signed-in users named by mask in slot order.
func usersFromMask(ident identity.Service, mask uint8) []*identity.SignedInUser {
	var users []*identity.SignedInUser
	for slot := 0; slot < identity.MaxLocalUsers; slot++ {
		if mask&(1<<uint(slot)) == 0 {
			continue
		}
		if u, ok := ident.BySlot(slot); ok {
			users = append(users, u)
		}
	}
	return users
}
