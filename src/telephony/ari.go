// Package telephony drives Asterisk over ARI on behalf of the session
// manager: it turns Stasis events into call start and end notifications and
// performs the channel and bridge operations a bridged call needs.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/CyCoreSystems/ari/v6"
	"github.com/CyCoreSystems/ari/v6/client/native"

	"github.com/square-key-labs/strawgo-bridge/src/logger"
	"github.com/square-key-labs/strawgo-bridge/src/session"
)

// ErrDisconnected is returned by Run when the ARI connection is lost
var ErrDisconnected = errors.New("ARI connection lost")

// Channel name prefixes of channels the bridge creates itself
var internalPrefixes = []string{"UnicastRTP/", "Snoop/"}

const (
	mediaAddressVariable = "UNICASTRTP_LOCAL_ADDRESS"
	mediaPortVariable    = "UNICASTRTP_LOCAL_PORT"

	connectionCheckInterval = time.Second
)

// Config holds ARI connection settings
type Config struct {
	URL          string // REST base, e.g. http://localhost:8088/ari
	WebsocketURL string // Event stream, e.g. ws://localhost:8088/ari/events
	Username     string
	Password     string
	Application  string // Stasis application name
}

// CallHandler receives call lifecycle notifications
type CallHandler interface {
	HandleCallStart(ctx context.Context, call session.CallInfo) error
	HandleCallEnd(ctx context.Context, callID string) error
}

// Client adapts an ARI connection to session.Telephony
type Client struct {
	ari ari.Client
	app string
	log *logger.Logger
}

// Connect dials ARI and subscribes the Stasis application
func Connect(config Config) (*Client, error) {
	cl, err := native.Connect(&native.Options{
		Application:  config.Application,
		Username:     config.Username,
		Password:     config.Password,
		URL:          config.URL,
		WebsocketURL: config.WebsocketURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ARI: %w", err)
	}
	return &Client{
		ari: cl,
		app: config.Application,
		log: logger.WithPrefix("ARI"),
	}, nil
}

// Run dispatches Stasis events to h until ctx is cancelled or the ARI
// connection drops. Call starts are handled concurrently.
func (c *Client) Run(ctx context.Context, h CallHandler) error {
	sub := c.ari.Bus().Subscribe(nil,
		ari.Events.StasisStart,
		ari.Events.StasisEnd,
		ari.Events.ChannelDestroyed,
	)
	defer sub.Cancel()

	check := time.NewTicker(connectionCheckInterval)
	defer check.Stop()

	c.log.Info("✓ Listening for calls on application %q", c.app)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return ErrDisconnected
			}
			dispatch(ctx, h, ev, c.log)
		case <-check.C:
			if !c.ari.Connected() {
				return ErrDisconnected
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func dispatch(ctx context.Context, h CallHandler, ev ari.Event, log *logger.Logger) {
	switch e := ev.(type) {
	case *ari.StasisStart:
		call := callInfo(e.Channel)
		go func() {
			if err := h.HandleCallStart(ctx, call); err != nil {
				log.WithField("call_id", call.ID).Error("Call start failed: %v", err)
			}
		}()
	case *ari.StasisEnd:
		go endCall(ctx, h, e.Channel.ID, log)
	case *ari.ChannelDestroyed:
		go endCall(ctx, h, e.Channel.ID, log)
	}
}

func endCall(ctx context.Context, h CallHandler, id string, log *logger.Logger) {
	if err := h.HandleCallEnd(ctx, id); err != nil {
		log.WithField("call_id", id).Warn("Call end failed: %v", err)
	}
}

func callInfo(ch ari.ChannelData) session.CallInfo {
	return session.CallInfo{
		ID:          ch.ID,
		ChannelName: ch.Name,
		Internal:    IsInternal(ch.Name),
	}
}

// IsInternal reports whether a channel name belongs to a channel the bridge
// created rather than a caller
func IsInternal(channelName string) bool {
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(channelName, prefix) {
			return true
		}
	}
	return false
}

// Close closes the ARI connection
func (c *Client) Close() {
	c.ari.Close()
}

func channelKey(id string) *ari.Key {
	return ari.NewKey(ari.ChannelKey, id)
}

func bridgeKey(id string) *ari.Key {
	return ari.NewKey(ari.BridgeKey, id)
}

// Answer implements session.Telephony
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return mapError(c.ari.Channel().Answer(channelKey(channelID)))
}

// CreateBridge implements session.Telephony
func (c *Client) CreateBridge(ctx context.Context, bridgeID string) error {
	_, err := c.ari.Bridge().Create(bridgeKey(bridgeID), "mixing", bridgeID)
	return mapError(err)
}

// AddToBridge implements session.Telephony
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	return mapError(c.ari.Bridge().AddChannel(bridgeKey(bridgeID), channelID))
}

// CreateExternalMedia implements session.Telephony
func (c *Client) CreateExternalMedia(ctx context.Context, channelID, host string, port int) error {
	_, err := c.ari.Channel().ExternalMedia(channelKey(channelID), ari.ExternalMediaOptions{
		ChannelID:     channelID,
		App:           c.app,
		ExternalHost:  net.JoinHostPort(host, strconv.Itoa(port)),
		Encapsulation: "rtp",
		Transport:     "udp",
		Format:        "ulaw",
	})
	return mapError(err)
}

// MediaAddress implements session.Telephony. It reads the address Asterisk
// bound for the external media channel from its channel variables.
func (c *Client) MediaAddress(ctx context.Context, channelID string) (*net.UDPAddr, error) {
	key := channelKey(channelID)
	host, err := c.ari.Channel().GetVariable(key, mediaAddressVariable)
	if err != nil {
		return nil, mapError(err)
	}
	port, err := c.ari.Channel().GetVariable(key, mediaPortVariable)
	if err != nil {
		return nil, mapError(err)
	}
	return parseMediaAddress(host, port)
}

func parseMediaAddress(host, port string) (*net.UDPAddr, error) {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if host == "" || port == "" {
		return nil, errors.New("media address not yet assigned")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, fmt.Errorf("invalid media port %q", port)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid media host %q", host)
	}
	return &net.UDPAddr{IP: ip, Port: p}, nil
}

// Hangup implements session.Telephony
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return mapError(c.ari.Channel().Hangup(channelKey(channelID), "normal"))
}

// DestroyBridge implements session.Telephony
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return mapError(c.ari.Bridge().Delete(bridgeKey(bridgeID)))
}

// mapError marks errors for resources Asterisk no longer knows as
// session.ErrGone
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "not in stasis") {
		return fmt.Errorf("%w: %v", session.ErrGone, err)
	}
	return err
}
