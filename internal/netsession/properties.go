package netsession

import (
	"fmt"

	"github.com/cory-johannsen/netsession/internal/transport"
)

const (
	// PropertyCount is the number of searchable property slots.
	PropertyCount = 8
	// RankedProperty is the slot reserved for the ranked indicator.
	RankedProperty = PropertyCount - 1
)

// DefaultPropertyNames are the attribute names used to encode properties
// into transport application data.
var DefaultPropertyNames = [PropertyCount]string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "ranked"}

// Properties holds up to eight optional small integers advertised with a
// session and usable as search filters.
type Properties struct {
	names [PropertyCount]string
	vals  [PropertyCount]int
	set   [PropertyCount]bool
	dirty bool
}

// NewProperties returns empty properties using DefaultPropertyNames.
func NewProperties() *Properties {
	return &Properties{names: DefaultPropertyNames}
}

// NewNamedProperties returns empty properties encoded under names.
// Empty entries fall back to the default name for that slot.
func NewNamedProperties(names [PropertyCount]string) *Properties {
	p := NewProperties()
	for i, n := range names {
		if n != "" {
			p.names[i] = n
		}
	}
	return p
}

// Get returns slot i and whether it is set.
func (p *Properties) Get(i int) (int, bool) {
	if i < 0 || i >= PropertyCount {
		return 0, false
	}
	return p.vals[i], p.set[i]
}

// Set assigns slot i and marks the properties dirty.
func (p *Properties) Set(i, v int) error {
	if i < 0 || i >= PropertyCount {
		return invalidArg("property index %d out of range", i)
	}
	if p.set[i] && p.vals[i] == v {
		return nil
	}
	p.vals[i], p.set[i] = v, true
	p.dirty = true
	return nil
}

// Unset clears slot i and marks the properties dirty.
func (p *Properties) Unset(i int) error {
	if i < 0 || i >= PropertyCount {
		return invalidArg("property index %d out of range", i)
	}
	if !p.set[i] {
		return nil
	}
	p.vals[i], p.set[i] = 0, false
	p.dirty = true
	return nil
}

// Dirty reports unpublished changes.
func (p *Properties) Dirty() bool { return p.dirty }

func (p *Properties) markClean() { p.dirty = false }

// Ranked reports whether the ranked slot is set to a non-zero value.
func (p *Properties) Ranked() bool {
	v, ok := p.Get(RankedProperty)
	return ok && v != 0
}

// Encode renders the properties as transport application data.
func (p *Properties) Encode() string {
	return transport.FormatAppData(p.names[:], p.filter())
}

// Decode replaces the values with those in appData without marking dirty.
func (p *Properties) Decode(appData string) error {
	values, err := transport.ParseAppData(appData)
	if err != nil {
		return fmt.Errorf("decoding session properties: %w", err)
	}
	for i, n := range p.names {
		v, ok := values[n]
		p.vals[i], p.set[i] = v, ok
	}
	return nil
}

// filter returns the set slots keyed by attribute name.
func (p *Properties) filter() map[string]int {
	out := make(map[string]int, PropertyCount)
	for i, n := range p.names {
		if p.set[i] {
			out[n] = p.vals[i]
		}
	}
	return out
}

// clone copies the values and names; the copy starts clean.
func (p *Properties) clone() *Properties {
	if p == nil {
		return NewProperties()
	}
	c := *p
	c.dirty = false
	return &c
}

func (p *Properties) String() string {
	return fmt.Sprintf("Properties%v", p.filter())
}
