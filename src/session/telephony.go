package session

import (
	"context"
	"errors"
	"net"
)

// ErrGone is wrapped by Telephony errors for channels or bridges that no
// longer exist. Teardown treats it as success.
var ErrGone = errors.New("telephony resource already gone")

// Telephony is the call-control plane the Manager drives
type Telephony interface {
	// Answer answers an inbound channel
	Answer(ctx context.Context, channelID string) error
	// CreateBridge creates a mixing bridge with the given id
	CreateBridge(ctx context.Context, bridgeID string) error
	// AddToBridge adds a channel to a bridge
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	// CreateExternalMedia creates a channel with the given id that exchanges
	// μ-law RTP with host:port
	CreateExternalMedia(ctx context.Context, channelID, host string, port int) error
	// MediaAddress returns the local RTP address Asterisk uses for an
	// external media channel, once it is known
	MediaAddress(ctx context.Context, channelID string) (*net.UDPAddr, error)
	// Hangup hangs up a channel
	Hangup(ctx context.Context, channelID string) error
	// DestroyBridge destroys a bridge
	DestroyBridge(ctx context.Context, bridgeID string) error
}

// CallInfo describes a call the telephony layer has handed to the bridge
type CallInfo struct {
	ID          string
	ChannelName string
	// Internal marks channels the bridge itself created, such as external
	// media or snoop channels
	Internal bool
}
