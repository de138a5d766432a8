// Package comms owns the client transport endpoint: it dials the
// server, runs the key handshake and pumps the upload state machine,
// reconnecting the byte layer when it drops.
package comms

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"dropsync/client/upload"
	"dropsync/constants"
	"dropsync/networking"
)

// Client is one transport endpoint bound to a single upload attempt.
// The identity is minted once and reused across reconnects so the
// server can resume the session.
type Client struct {
	addr      string
	dscp      int
	identity  [networking.IdentitySize]byte
	keys      networking.KeyPair
	serverKey [32]byte
	conn      *networking.Conn
	cancelled atomic.Bool
}

// New prepares a client endpoint with a fresh random identity.
func New(addr string, dscp int, keys networking.KeyPair, serverKey [32]byte) *Client {
	c := &Client{
		addr:      addr,
		dscp:      dscp,
		keys:      keys,
		serverKey: serverKey,
	}
	id := uuid.New()
	copy(c.identity[:], id[:])
	return c
}

// Connect opens the TCP connection and performs the key handshake.
func (c *Client) Connect() error {
	sock, err := net.Dial("tcp", c.addr)
	if err != nil {
		return err
	}
	// Set TCP_NODELAY to always immediately send.
	sock.(*net.TCPConn).SetNoDelay(true)
	// Set DSCP. NOTE: On Windows by default it will not apply the value.
	ipv4.NewConn(sock).SetTOS(c.dscp)

	conn, err := networking.ClientHandshake(sock, c.identity, c.keys, c.serverKey)
	if err != nil {
		sock.Close()
		return err
	}
	c.conn = conn
	return nil
}

// RequestCancel asks the running upload to stop at the next step.
func (c *Client) RequestCancel() {
	c.cancelled.Store(true)
}

// Close closes the transport.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Run drives the upload to completion and returns the server assigned
// upload id. Transport drops are repaired transparently; protocol
// failures surface as errors.
func (c *Client) Run(u *upload.Upload) (string, error) {
	if c.conn == nil {
		if err := c.Connect(); err != nil {
			return "", err
		}
	}
	if err := c.send(u.Start()); err != nil {
		if err := c.reconnect(u); err != nil {
			return "", err
		}
	}

	for {
		if c.cancelled.Load() {
			msg := u.Cancel()
			c.send(msg)
			return "", &upload.RemoteError{Code: networking.CodeCancelled, Msg: "client-cancelled"}
		}

		c.conn.SetReadDeadline(time.Now().Add(constants.CLIENT_TIMEOUT))
		msg, err := c.conn.Recv()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				probe, terr := u.OnTimeout()
				c.send(probe)
				if terr != nil {
					return "", terr
				}
				continue
			}
			var werr *networking.InvalidMessageError
			if errors.As(err, &werr) {
				c.send(networking.ErrorMsg{Code: networking.CodeMalformed, Msg: werr.Reason})
				return "", werr
			}
			// Byte layer dropped. Reconnect and resynchronize.
			if err := c.reconnect(u); err != nil {
				return "", err
			}
			continue
		}

		replies, herr := u.Handle(msg)
		for _, reply := range replies {
			if err := c.send(reply); err != nil {
				// Outgoing chunks are recoverable through the
				// status handshake after reconnect.
				if err := c.reconnect(u); err != nil {
					return "", err
				}
				break
			}
		}
		if herr != nil {
			return "", herr
		}
		if u.State() == upload.Done {
			return u.UploadID(), nil
		}
	}
}

func (c *Client) send(msg networking.Message) error {
	if msg == nil {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(constants.CLIENT_TIMEOUT))
	return c.conn.Send(msg)
}

// reconnect re-dials with the same identity. Before approval the
// announcement is repeated; afterwards a status query restores FIFO
// through the authoritative status-report.
func (c *Client) reconnect(u *upload.Upload) error {
	c.Close()
	var err error
	for attempt := 0; attempt < constants.CLIENT_RETRIES; attempt++ {
		time.Sleep(time.Duration(attempt) * time.Second)
		if err = c.Connect(); err == nil {
			break
		}
	}
	if err != nil {
		return &upload.RemoteError{Code: networking.CodeTimeout, Msg: "could not reconnect: " + err.Error()}
	}
	if u.State() == upload.AwaitApproval {
		return c.send(u.Start())
	}
	return c.send(networking.QueryStatus{})
}
