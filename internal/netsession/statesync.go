package netsession

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// gamerStatusMarker prefixes every gamer-state packet. Any payload not
// starting with it is application data.
var gamerStatusMarker = []byte("#GAMER_STATUS")

var errMalformedState = errors.New("malformed gamer state packet")

// encodeGamerState builds marker | uvarint len | tag | int32 LE new | int32 LE prev.
func encodeGamerState(tag string, next, prev GamerState) []byte {
	buf := make([]byte, 0, len(gamerStatusMarker)+binary.MaxVarintLen64+len(tag)+8)
	buf = append(buf, gamerStatusMarker...)
	buf = protowire.AppendString(buf, tag)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(next)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(prev)))
	return buf
}

func isGamerStatePacket(data []byte) bool {
	return bytes.HasPrefix(data, gamerStatusMarker)
}

// decodeGamerState parses a packet produced by encodeGamerState.
//
// Precondition: isGamerStatePacket(data).
func decodeGamerState(data []byte) (tag string, next, prev GamerState, err error) {
	rest := data[len(gamerStatusMarker):]
	raw, n := protowire.ConsumeBytes(rest)
	if n < 0 {
		return "", 0, 0, errMalformedState
	}
	rest = rest[n:]
	if len(rest) != 8 {
		return "", 0, 0, errMalformedState
	}
	next = GamerState(int32(binary.LittleEndian.Uint32(rest[0:4])))
	prev = GamerState(int32(binary.LittleEndian.Uint32(rest[4:8])))
	return string(raw), next, prev, nil
}

// detectStateChanges enqueues a SendGamerState for every local gamer whose
// flags moved since the last broadcast.
func (s *Session) detectStateChanges() {
	for _, lg := range s.reg.local {
		if next, prev, changed := lg.poll(); changed {
			s.enqueue(SendGamerStateCommand{Gamer: lg, New: next, Prev: prev})
		}
	}
}

func (s *Session) processSendGamerState(c SendGamerStateCommand) error {
	payload := encodeGamerState(c.Gamer.gamertag, c.New, c.Prev)
	return s.broadcast(c.Gamer.station, payload)
}

// processReceiveGamerState overwrites the named gamer's flags. The Local bit
// is recomputed for this machine and the receiver keeps its own Host bit so a
// stale peer view cannot move the host role.
func (s *Session) processReceiveGamerState(c ReceiveGamerStateCommand) error {
	g, ok := s.reg.gamerByTag(c.Gamertag)
	if !ok {
		s.logger.Warn("state for unknown gamer dropped",
			zap.String("gamertag", c.Gamertag),
			zap.Stringer("from", c.From),
		)
		return nil
	}
	next := c.New &^ (GamerLocal | GamerHost)
	if g.local != nil {
		next |= GamerLocal
	}
	next |= g.state & GamerHost
	g.apply(next)
	return nil
}
