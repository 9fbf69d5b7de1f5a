// Package wsrelay carries the transport contract over websockets. A relay
// Server owns the room directory and one station per connected peer; a
// Client implements transport.Transport by exchanging frames with it.
package wsrelay

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cory-johannsen/netsession/internal/transport"
)

// FrameType discriminates the four kinds of frame on the wire.
type FrameType int

const (
	FrameRequest FrameType = iota + 1
	FrameResponse
	FrameEvent
	FramePacket
	FrameWelcome
)

// Op names a transport operation carried by a request.
type Op int

const (
	OpStart Op = iota + 1
	OpStop
	OpSearch
	OpHost
	OpJoin
	OpJoinByID
	OpLeave
	OpCurrent
	OpLock
	OpUpdateProperties
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpStart:
		return "Start"
	case OpStop:
		return "Stop"
	case OpSearch:
		return "Search"
	case OpHost:
		return "Host"
	case OpJoin:
		return "Join"
	case OpJoinByID:
		return "JoinByID"
	case OpLeave:
		return "Leave"
	case OpCurrent:
		return "Current"
	case OpLock:
		return "Lock"
	case OpUpdateProperties:
		return "UpdateProperties"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Frame is the single message shape exchanged between relay and client.
// Which fields are meaningful depends on Type and Op.
type Frame struct {
	Type      FrameType
	RequestID uint64
	Op        Op
	Result    int

	User      transport.User
	Mode      transport.Mode
	GameMode  int
	MaxSlots  int
	AppData   string
	SessionID string
	Locked    bool
	Filter    map[string]int

	// Sessions holds search results, or the current session in a response.
	Sessions []transport.SessionInfo

	From transport.StationID
	To   transport.StationID
	Data []byte

	EventKind    transport.EventKind
	Station      transport.StationID
	Name         string
	HostStation  transport.StationID
	LocalStation transport.StationID
}

// Field numbers of the frame encoding.
const (
	fieldType         protowire.Number = 1
	fieldRequestID    protowire.Number = 2
	fieldOp           protowire.Number = 3
	fieldResult       protowire.Number = 4
	fieldUserID       protowire.Number = 5
	fieldUserName     protowire.Number = 6
	fieldMode         protowire.Number = 7
	fieldGameMode     protowire.Number = 8
	fieldMaxSlots     protowire.Number = 9
	fieldAppData      protowire.Number = 10
	fieldSessionID    protowire.Number = 11
	fieldLocked       protowire.Number = 12
	fieldFilter       protowire.Number = 13
	fieldSession      protowire.Number = 14
	fieldFrom         protowire.Number = 15
	fieldTo           protowire.Number = 16
	fieldData         protowire.Number = 17
	fieldEventKind    protowire.Number = 18
	fieldStation      protowire.Number = 19
	fieldName         protowire.Number = 20
	fieldHostStation  protowire.Number = 21
	fieldLocalStation protowire.Number = 22
)

// Nested message field numbers.
const (
	infoID         protowire.Number = 1
	infoOwner      protowire.Number = 2
	infoMaxMembers protowire.Number = 3
	infoNumMembers protowire.Number = 4
	infoGameMode   protowire.Number = 5
	infoAppData    protowire.Number = 6

	filterName  protowire.Number = 1
	filterValue protowire.Number = 2
)

// ErrMalformedFrame is returned when a frame cannot be decoded.
var ErrMalformedFrame = errors.New("wsrelay: malformed frame")

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int) []byte {
	return appendVarint(b, num, uint64(int64(v)))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// Marshal encodes f in protobuf wire format. Zero-valued fields are omitted.
func (f Frame) Marshal() []byte {
	var b []byte
	b = appendInt(b, fieldType, int(f.Type))
	b = appendVarint(b, fieldRequestID, f.RequestID)
	b = appendInt(b, fieldOp, int(f.Op))
	b = appendInt(b, fieldResult, f.Result)
	b = appendString(b, fieldUserID, f.User.ID)
	b = appendString(b, fieldUserName, f.User.Name)
	b = appendInt(b, fieldMode, int(f.Mode))
	b = appendInt(b, fieldGameMode, f.GameMode)
	b = appendInt(b, fieldMaxSlots, f.MaxSlots)
	b = appendString(b, fieldAppData, f.AppData)
	b = appendString(b, fieldSessionID, f.SessionID)
	if f.Locked {
		b = appendVarint(b, fieldLocked, 1)
	}

	names := make([]string, 0, len(f.Filter))
	for n := range f.Filter {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		var e []byte
		e = protowire.AppendTag(e, filterName, protowire.BytesType)
		e = protowire.AppendString(e, n)
		e = protowire.AppendTag(e, filterValue, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(int64(f.Filter[n])))
		b = protowire.AppendTag(b, fieldFilter, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}

	for _, info := range f.Sessions {
		b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInfo(info))
	}

	b = appendVarint(b, fieldFrom, uint64(f.From))
	b = appendVarint(b, fieldTo, uint64(f.To))
	b = appendBytes(b, fieldData, f.Data)
	b = appendInt(b, fieldEventKind, int(f.EventKind))
	b = appendVarint(b, fieldStation, uint64(f.Station))
	b = appendString(b, fieldName, f.Name)
	b = appendVarint(b, fieldHostStation, uint64(f.HostStation))
	b = appendVarint(b, fieldLocalStation, uint64(f.LocalStation))
	return b
}

func marshalInfo(info transport.SessionInfo) []byte {
	var b []byte
	b = appendString(b, infoID, info.ID)
	b = appendString(b, infoOwner, info.Owner)
	b = appendInt(b, infoMaxMembers, info.MaxMembers)
	b = appendInt(b, infoNumMembers, info.NumMembers)
	b = appendInt(b, infoGameMode, info.GameMode)
	b = appendString(b, infoAppData, info.AppData)
	return b
}

// field is one decoded tag/value pair.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// eachField walks the fields of one message. Unknown wire types other than
// varint and bytes are rejected.
func eachField(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		var fl field
		fl.num = num
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(m))
			}
			fl.varint = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(m))
			}
			fl.bytes = v
			n = m
		default:
			return fmt.Errorf("%w: field %d has wire type %d", ErrMalformedFrame, num, typ)
		}
		b = b[n:]
		if err := fn(fl); err != nil {
			return err
		}
	}
	return nil
}

func asInt(v uint64) int { return int(int64(v)) }

// Unmarshal decodes a frame produced by Marshal. Unknown field numbers are
// skipped.
//
// Postcondition: Data does not alias b.
func Unmarshal(b []byte) (Frame, error) {
	var f Frame
	err := eachField(b, func(fl field) error {
		switch fl.num {
		case fieldType:
			f.Type = FrameType(asInt(fl.varint))
		case fieldRequestID:
			f.RequestID = fl.varint
		case fieldOp:
			f.Op = Op(asInt(fl.varint))
		case fieldResult:
			f.Result = asInt(fl.varint)
		case fieldUserID:
			f.User.ID = string(fl.bytes)
		case fieldUserName:
			f.User.Name = string(fl.bytes)
		case fieldMode:
			f.Mode = transport.Mode(asInt(fl.varint))
		case fieldGameMode:
			f.GameMode = asInt(fl.varint)
		case fieldMaxSlots:
			f.MaxSlots = asInt(fl.varint)
		case fieldAppData:
			f.AppData = string(fl.bytes)
		case fieldSessionID:
			f.SessionID = string(fl.bytes)
		case fieldLocked:
			f.Locked = fl.varint != 0
		case fieldFilter:
			name, value, err := unmarshalFilter(fl.bytes)
			if err != nil {
				return err
			}
			if f.Filter == nil {
				f.Filter = make(map[string]int)
			}
			f.Filter[name] = value
		case fieldSession:
			info, err := unmarshalInfo(fl.bytes)
			if err != nil {
				return err
			}
			f.Sessions = append(f.Sessions, info)
		case fieldFrom:
			f.From = transport.StationID(fl.varint)
		case fieldTo:
			f.To = transport.StationID(fl.varint)
		case fieldData:
			f.Data = append([]byte(nil), fl.bytes...)
		case fieldEventKind:
			f.EventKind = transport.EventKind(asInt(fl.varint))
		case fieldStation:
			f.Station = transport.StationID(fl.varint)
		case fieldName:
			f.Name = string(fl.bytes)
		case fieldHostStation:
			f.HostStation = transport.StationID(fl.varint)
		case fieldLocalStation:
			f.LocalStation = transport.StationID(fl.varint)
		}
		return nil
	})
	if err != nil {
		return Frame{}, err
	}
	if f.Type < FrameRequest || f.Type > FrameWelcome {
		return Frame{}, fmt.Errorf("%w: frame type %d", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

func unmarshalInfo(b []byte) (transport.SessionInfo, error) {
	var info transport.SessionInfo
	err := eachField(b, func(fl field) error {
		switch fl.num {
		case infoID:
			info.ID = string(fl.bytes)
		case infoOwner:
			info.Owner = string(fl.bytes)
		case infoMaxMembers:
			info.MaxMembers = asInt(fl.varint)
		case infoNumMembers:
			info.NumMembers = asInt(fl.varint)
		case infoGameMode:
			info.GameMode = asInt(fl.varint)
		case infoAppData:
			info.AppData = string(fl.bytes)
		}
		return nil
	})
	return info, err
}

func unmarshalFilter(b []byte) (string, int, error) {
	var (
		name  string
		value int
	)
	err := eachField(b, func(fl field) error {
		switch fl.num {
		case filterName:
			name = string(fl.bytes)
		case filterValue:
			value = asInt(fl.varint)
		}
		return nil
	})
	return name, value, err
}
