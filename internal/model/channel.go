package model

// ChannelState is the connection state of one realtime channel handle.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
	ChannelErrored    ChannelState = "errored"
)

// String returns the string representation of the channel state.
func (s ChannelState) String() string {
	return string(s)
}

// Live reports whether the handle still holds (or is acquiring) a
// subscription.
func (s ChannelState) Live() bool {
	return s == ChannelConnecting || s == ChannelOpen
}
