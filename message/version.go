package message

import "github.com/blang/semver"

// ProtocolVersion is stamped on every envelope this module sends.
const ProtocolVersion = "1.0.0"

var protocolVersion = semver.MustParse(ProtocolVersion)

// CheckVersion accepts an empty version (older peers omit it) or any version with the same major.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	peer, err := semver.Parse(v)
	if err != nil {
		return Errorf(KindDecode, "invalid protocol version %q: %v", v, err)
	}
	if peer.Major != protocolVersion.Major {
		return Errorf(KindDecode, "incompatible protocol version %s, want %d.x", peer, protocolVersion.Major)
	}
	return nil
}
