package version

// Version represents the current version of relaybox
const Version = "0.4.0"

// ProtocolVersion is the envelope protocol revision the client speaks
const ProtocolVersion = 1

// BuildVersion returns the version string for display
func BuildVersion() string {
	return "relaybox version " + Version
}

// UserAgent returns the value sent in the User-Agent header of the
// WebSocket handshake
func UserAgent() string {
	return "relaybox/" + Version
}
