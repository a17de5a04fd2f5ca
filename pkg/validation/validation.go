package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// PeerIDRegex accepts display-name style ids: letters, digits, space, _ . -
	PeerIDRegex = regexp.MustCompile(`^[\p{L}\p{N} _.\-]+$`)

	// RoomNameRegex validates relay room names
	RoomNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const maxPeerIDLength = 64

// ValidatePeerID validates a participant id chosen at session start.
func ValidatePeerID(peerID string) error {
	if strings.TrimSpace(peerID) == "" {
		return fmt.Errorf("peer ID is required")
	}
	if peerID != strings.TrimSpace(peerID) {
		return fmt.Errorf("peer ID must not start or end with whitespace")
	}
	if !utf8.ValidString(peerID) {
		return fmt.Errorf("peer ID contains invalid characters")
	}
	if utf8.RuneCountInString(peerID) > maxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", maxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateRoomName validates a relay room name
func ValidateRoomName(name string) error {
	if name == "" {
		return fmt.Errorf("room name is required")
	}
	if len(name) > 100 {
		return fmt.Errorf("room name is too long (max 100 characters)")
	}
	if !RoomNameRegex.MatchString(name) {
		return fmt.Errorf("invalid room name format")
	}
	return nil
}

// ValidateSDP performs a structural check of a session description: it must
// start with a version line and carry the mandatory o=, s= and t= lines.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"\no=", "\ns=", "\nt="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", strings.TrimPrefix(field, "\n"))
		}
	}
	return nil
}

// ValidateSignalURL validates the websocket URL of a signaling relay
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL accepts STUN URLs only. Sessions run on a shared local
// network and never relay media through TURN.
func ValidateICEServerURL(urlStr string) error {
	switch {
	case strings.HasPrefix(urlStr, "stun:"), strings.HasPrefix(urlStr, "stuns:"):
		if len(strings.SplitN(urlStr, ":", 2)[1]) == 0 {
			return fmt.Errorf("ICE server URL %q has no host", urlStr)
		}
		return nil
	case strings.HasPrefix(urlStr, "turn:"), strings.HasPrefix(urlStr, "turns:"):
		return fmt.Errorf("TURN relay %q is not supported", urlStr)
	default:
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
}
