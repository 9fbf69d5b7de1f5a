package netsession

import (
	"fmt"

	"github.com/cory-johannsen/netsession/internal/transport"
)

// Machine groups the gamers that share one station.
type Machine struct {
	station transport.StationID
	gamers  []*Gamer
}

// Station returns the machine's network endpoint.
func (m *Machine) Station() transport.StationID {
	return m.station
}

// Gamers returns the machine's members in join order.
func (m *Machine) Gamers() []*Gamer {
	return append([]*Gamer(nil), m.gamers...)
}

// Len returns the member count.
func (m *Machine) Len() int {
	return len(m.gamers)
}

func (m *Machine) add(g *Gamer) {
	m.gamers = append(m.gamers, g)
	g.machine = m
}

// remove drops g and reports whether the machine is now empty.
func (m *Machine) remove(g *Gamer) bool {
	for i, member := range m.gamers {
		if member == g {
			m.gamers = append(m.gamers[:i], m.gamers[i+1:]...)
			break
		}
	}
	return len(m.gamers) == 0
}

func (m *Machine) String() string {
	return fmt.Sprintf("Machine{station=%s gamers=%d}", m.station, len(m.gamers))
}
