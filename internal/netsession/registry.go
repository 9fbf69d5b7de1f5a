package netsession

import (
	"github.com/cory-johannsen/netsession/internal/transport"
)

// registry tracks every gamer and machine in a session.
// It is touched only from the session's update goroutine.
type registry struct {
	byID       map[ParticipantID]*Gamer
	byTag      map[string]*Gamer
	byOnlineID map[string]*Gamer
	byStation  map[transport.StationID]*Gamer

	all      []*Gamer
	local    []*LocalGamer
	remote   []*Gamer
	previous []*Gamer

	machines     map[transport.StationID]*Machine
	machineOrder []*Machine
}

func newRegistry() *registry {
	return &registry{
		byID:       make(map[ParticipantID]*Gamer),
		byTag:      make(map[string]*Gamer),
		byOnlineID: make(map[string]*Gamer),
		byStation:  make(map[transport.StationID]*Gamer),
		machines:   make(map[transport.StationID]*Machine),
	}
}

// add registers g and attaches it to the machine for its station, creating
// the machine when this is the first gamer from that station.
//
// Precondition: g.id is not already registered.
func (r *registry) add(g *Gamer) {
	r.byID[g.id] = g
	r.byTag[g.gamertag] = g
	if g.onlineID != "" {
		r.byOnlineID[g.onlineID] = g
	}
	if _, taken := r.byStation[g.station]; !taken {
		r.byStation[g.station] = g
	}

	r.all = append(r.all, g)
	if g.local != nil {
		r.local = append(r.local, g.local)
	} else {
		r.remote = append(r.remote, g)
	}

	m, ok := r.machines[g.station]
	if !ok {
		m = &Machine{station: g.station}
		r.machines[g.station] = m
		r.machineOrder = append(r.machineOrder, m)
	}
	m.add(g)
}

// remove unregisters g, drops its machine when empty and appends g to the
// previous-gamers list.
//
// Postcondition: reports whether the machine was removed.
func (r *registry) remove(g *Gamer) bool {
	delete(r.byID, g.id)
	if r.byTag[g.gamertag] == g {
		delete(r.byTag, g.gamertag)
	}
	if r.byOnlineID[g.onlineID] == g {
		delete(r.byOnlineID, g.onlineID)
	}

	r.all = removeGamer(r.all, g)
	if g.local != nil {
		for i, lg := range r.local {
			if lg == g.local {
				r.local = append(r.local[:i], r.local[i+1:]...)
				break
			}
		}
	} else {
		r.remote = removeGamer(r.remote, g)
	}
	r.previous = append(r.previous, g)

	machineGone := false
	if m := g.machine; m != nil && m.remove(g) {
		delete(r.machines, m.station)
		for i, mm := range r.machineOrder {
			if mm == m {
				r.machineOrder = append(r.machineOrder[:i], r.machineOrder[i+1:]...)
				break
			}
		}
		machineGone = true
	}

	if r.byStation[g.station] == g {
		delete(r.byStation, g.station)
		if m, ok := r.machines[g.station]; ok && m.Len() > 0 {
			r.byStation[g.station] = m.gamers[0]
		}
	}
	return machineGone
}

func (r *registry) gamer(id ParticipantID) (*Gamer, bool) {
	g, ok := r.byID[id]
	return g, ok
}

func (r *registry) gamerByTag(tag string) (*Gamer, bool) {
	g, ok := r.byTag[tag]
	return g, ok
}

func (r *registry) gamerByOnlineID(id string) (*Gamer, bool) {
	g, ok := r.byOnlineID[id]
	return g, ok
}

// gamerByStation returns the first gamer registered from station.
func (r *registry) gamerByStation(st transport.StationID) (*Gamer, bool) {
	g, ok := r.byStation[st]
	return g, ok
}

func (r *registry) machine(st transport.StationID) (*Machine, bool) {
	m, ok := r.machines[st]
	return m, ok
}

func (r *registry) clear() {
	for _, g := range r.all {
		g.left = true
	}
	previous := append(r.previous, r.all...)
	*r = *newRegistry()
	r.previous = previous
}

func removeGamer(list []*Gamer, g *Gamer) []*Gamer {
	for i, x := range list {
		if x == g {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
