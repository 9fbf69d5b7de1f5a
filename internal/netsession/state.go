package netsession

import "fmt"

// SessionState is the session-wide lifecycle state.
type SessionState int

const (
	StateLobby SessionState = iota
	StatePlaying
	// StateEnded is terminal.
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateLobby:
		return "Lobby"
	case StatePlaying:
		return "Playing"
	case StateEnded:
		return "Ended"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SessionType selects how a session is advertised.
type SessionType int

const (
	SessionTypeLocal SessionType = iota
	SessionTypeSystemLink
	SessionTypePlayerMatch
	SessionTypeRanked
)

func (t SessionType) String() string {
	switch t {
	case SessionTypeLocal:
		return "Local"
	case SessionTypeSystemLink:
		return "SystemLink"
	case SessionTypePlayerMatch:
		return "PlayerMatch"
	case SessionTypeRanked:
		return "Ranked"
	default:
		return fmt.Sprintf("SessionType(%d)", int(t))
	}
}

// gameMode is the transport game mode used to keep session types apart in
// search results.
func (t SessionType) gameMode() int {
	return int(t)
}

// EndReason explains why a session reached StateEnded.
type EndReason int

const (
	EndClientSignedOut EndReason = iota + 1
	EndHostEndedSession
	EndRemovedByHost
	EndDisconnected
)

func (r EndReason) String() string {
	switch r {
	case EndClientSignedOut:
		return "ClientSignedOut"
	case EndHostEndedSession:
		return "HostEndedSession"
	case EndRemovedByHost:
		return "RemovedByHost"
	case EndDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}

// ParseSessionType maps a configuration name such as "player_match" to a
// SessionType.
func ParseSessionType(name string) (SessionType, error) {
	switch name {
	case "local":
		return SessionTypeLocal, nil
	case "system_link":
		return SessionTypeSystemLink, nil
	case "player_match":
		return SessionTypePlayerMatch, nil
	case "ranked":
		return SessionTypeRanked, nil
	default:
		return 0, invalidArg("unknown session type %q", name)
	}
}
