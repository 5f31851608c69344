package ami

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client owns one TCP connection to the switch's manager interface.
//
// The protocol interleaves unsolicited events with command responses on the
// same stream, so every read goes through a single Parser and callers
// demultiplex on the Event/Response headers. A Client is meant to be driven
// by one goroutine: the long-lived listener loop uses ReadEvent, while
// short-lived query connections (the stuck-call sweep) use Send. Do not mix
// the two concurrently on one connection; open a second connection instead.
type Client struct {
	conn   net.Conn
	parser *Parser
	log    *slog.Logger
}

// Dial connects to the manager interface and consumes the protocol banner.
func Dial(host string, port int, timeout time.Duration, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}

	c := &Client{conn: conn, parser: NewParser(conn), log: log}

	// The banner is a single separator-less line sent immediately on
	// connect; the parser would silently skip it, but reading it here gives
	// a fast failure when the remote side is not an AMI at all.
	conn.SetReadDeadline(time.Now().Add(timeout))
	banner, err := c.parser.reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: reading banner: %v", ErrConnection, err)
	}
	conn.SetReadDeadline(time.Time{})

	log.Debug("ami connected", "addr", addr, "banner", strings.TrimSpace(banner))
	return c, nil
}

// Login authenticates the connection. The switch answers with a single
// response block; anything other than Response: Success is an
// authentication failure.
func (c *Client) Login(username, secret string) error {
	actionID := uuid.NewString()
	action := NewEvent(
		"Action", "Login",
		"ActionID", actionID,
		"Username", username,
		"Secret", secret,
	)
	if _, err := c.conn.Write(action.Marshal()); err != nil {
		return fmt.Errorf("%w: sending login: %v", ErrConnection, err)
	}

	// Events may already be streaming before the login response arrives;
	// skip them until we see our response.
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		evt, err := c.parser.Next()
		if err != nil {
			return fmt.Errorf("%w: reading login response: %v", ErrConnection, err)
		}
		if !evt.IsResponse() {
			continue
		}
		if evt.ActionID() != "" && evt.ActionID() != actionID {
			continue
		}
		if evt.Get("Response") != "Success" {
			return fmt.Errorf("%w: %s", ErrAuthentication, evt.Get("Message"))
		}
		return nil
	}
}

// ReadEvent blocks until the next block arrives or the idle timeout elapses.
// A timeout returns (nil, nil) so callers can poll for cancellation; every
// other failure is a connection error.
func (c *Client) ReadEvent(idle time.Duration) (*Event, error) {
	c.conn.SetReadDeadline(time.Now().Add(idle))
	evt, err := c.parser.Next()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return &evt, nil
}

// Send writes an action and reads blocks until one carries
// Event: <completion>, accumulating everything in between. This is the
// primitive behind every "list X" query: the switch streams one block per
// item and then a completion marker.
func (c *Client) Send(action Event, completion string, timeout time.Duration) ([]Event, error) {
	if action.ActionID() == "" {
		hs := append([]header{}, action.headers...)
		hs = append(hs, header{Key: "ActionID", Value: uuid.NewString()})
		action = Event{headers: hs}
	}

	if _, err := c.conn.Write(action.Marshal()); err != nil {
		return nil, fmt.Errorf("%w: sending %s: %v", ErrConnection, action.Get("Action"), err)
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var blocks []Event
	for {
		evt, err := c.parser.Next()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("%w: no %s within %s", ErrProtocolTimeout, completion, timeout)
			}
			return nil, fmt.Errorf("%w: reading %s response: %v", ErrConnection, action.Get("Action"), err)
		}
		if evt.IsResponse() && evt.Get("Response") == "Error" {
			return nil, fmt.Errorf("%w: %s: %s", ErrActionRejected, action.Get("Action"), evt.Get("Message"))
		}
		if evt.Type() == completion {
			return blocks, nil
		}
		blocks = append(blocks, evt)
	}
}

// Logoff sends the Logoff action on a best-effort basis; it never fails.
func (c *Client) Logoff() {
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	c.conn.Write(NewEvent("Action", "Logoff").Marshal())
	c.conn.SetWriteDeadline(time.Time{})
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Channel is one row of a CoreShowChannels listing.
type Channel struct {
	Channel   string
	UniqueID  string
	LinkedID  string
	Context   string
	Exten     string
	StateCode int
}

// CoreShowChannels lists the channels currently alive on the switch.
func (c *Client) CoreShowChannels(timeout time.Duration) ([]Channel, error) {
	blocks, err := c.Send(NewEvent("Action", "CoreShowChannels"), "CoreShowChannelsComplete", timeout)
	if err != nil {
		return nil, err
	}
	var channels []Channel
	for _, b := range blocks {
		if b.Type() != "CoreShowChannel" {
			continue
		}
		channels = append(channels, Channel{
			Channel:   b.Get("Channel"),
			UniqueID:  b.Get("Uniqueid"),
			LinkedID:  b.Get("Linkedid"),
			Context:   b.Get("Context"),
			Exten:     b.Get("Extension"),
			StateCode: b.GetInt("ChannelState"),
		})
	}
	return channels, nil
}

// ExtensionState is one row of an ExtensionStateList listing.
type ExtensionState struct {
	Exten      string
	Context    string
	Status     int
	StatusText string
	Hint       string
}

// ExtensionStateList lists the hint states of all configured extensions.
func (c *Client) ExtensionStateList(timeout time.Duration) ([]ExtensionState, error) {
	blocks, err := c.Send(NewEvent("Action", "ExtensionStateList"), "ExtensionStateListComplete", timeout)
	if err != nil {
		return nil, err
	}
	var states []ExtensionState
	for _, b := range blocks {
		if b.Type() != "ExtensionStatus" {
			continue
		}
		states = append(states, ExtensionState{
			Exten:      b.Get("Exten"),
			Context:    b.Get("Context"),
			Status:     b.GetInt("Status"),
			StatusText: b.Get("StatusText"),
			Hint:       b.Get("Hint"),
		})
	}
	return states, nil
}

// Peer is one row of a SIPpeers listing.
type Peer struct {
	Name    string
	Status  string
	Address string
}

// SIPPeers lists the configured SIP peers and their reachability.
func (c *Client) SIPPeers(timeout time.Duration) ([]Peer, error) {
	blocks, err := c.Send(NewEvent("Action", "SIPpeers"), "PeerlistComplete", timeout)
	if err != nil {
		return nil, err
	}
	var peers []Peer
	for _, b := range blocks {
		if b.Type() != "PeerEntry" {
			continue
		}
		peers = append(peers, Peer{
			Name:    b.Get("ObjectName"),
			Status:  b.Get("Status"),
			Address: b.Get("IPaddress"),
		})
	}
	return peers, nil
}
