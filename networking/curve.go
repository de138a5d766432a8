package networking

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/nacl/box"
)

// Handshake preamble. Version is bumped on incompatible transport changes.
var magic = [4]byte{'D', 'S', 'Y', '1'}

const (
	IdentitySize     = 16
	handshakeTimeout = 5 * time.Second

	statusRefused  = 0
	statusAccepted = 1
)

var (
	// ErrUnauthorized is returned when the server does not know the
	// client's public key, or the server key does not match the pinned one.
	ErrUnauthorized = errors.New("peer key not authorized")
	// ErrBadHandshake is returned on a malformed handshake preamble.
	ErrBadHandshake = errors.New("malformed handshake")
)

// Peer identifies an authenticated remote endpoint.
type Peer struct {
	Identity [IdentitySize]byte
	Public   [32]byte
}

// Conn is an authenticated encrypted message transport over a TCP
// connection. Every message travels as one sealed record.
type Conn struct {
	sock   net.Conn
	shared [32]byte
}

// ClientHandshake sends identity and public key, then verifies the
// server against the pinned key. The identity must stay fixed across
// reconnects of the same upload attempt.
func ClientHandshake(sock net.Conn, identity [IdentitySize]byte, keys KeyPair, serverKey [32]byte) (*Conn, error) {
	sock.SetDeadline(time.Now().Add(handshakeTimeout))
	defer sock.SetDeadline(time.Time{})

	hello := make([]byte, 0, 4+IdentitySize+32)
	hello = append(hello, magic[:]...)
	hello = append(hello, identity[:]...)
	hello = append(hello, keys.Public[:]...)
	if _, err := sock.Write(hello); err != nil {
		return nil, err
	}

	status := make([]byte, 1)
	if _, err := io.ReadFull(sock, status); err != nil {
		return nil, err
	}
	if status[0] != statusAccepted {
		return nil, ErrUnauthorized
	}
	announced := make([]byte, 32)
	if _, err := io.ReadFull(sock, announced); err != nil {
		return nil, err
	}
	if !bytes.Equal(announced, serverKey[:]) {
		return nil, ErrUnauthorized
	}

	conn := &Conn{sock: sock}
	box.Precompute(&conn.shared, &serverKey, &keys.Secret)
	return conn, nil
}

// ServerHandshake reads the client preamble and admits only peers whose
// public key the authorizer knows. Rejected peers get a refusal byte
// and never reach the protocol layer.
func ServerHandshake(sock net.Conn, keys KeyPair, auth Authorizer) (*Conn, *Peer, error) {
	sock.SetDeadline(time.Now().Add(handshakeTimeout))
	defer sock.SetDeadline(time.Time{})

	hello := make([]byte, 4+IdentitySize+32)
	if _, err := io.ReadFull(sock, hello); err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(hello[:4], magic[:]) {
		return nil, nil, ErrBadHandshake
	}

	peer := new(Peer)
	copy(peer.Identity[:], hello[4:4+IdentitySize])
	copy(peer.Public[:], hello[4+IdentitySize:])

	if !auth.Authorized(peer.Public) {
		sock.Write([]byte{statusRefused})
		return nil, nil, ErrUnauthorized
	}

	reply := make([]byte, 0, 1+32)
	reply = append(reply, statusAccepted)
	reply = append(reply, keys.Public[:]...)
	if _, err := sock.Write(reply); err != nil {
		return nil, nil, err
	}

	conn := &Conn{sock: sock}
	box.Precompute(&conn.shared, &peer.Public, &keys.Secret)
	return conn, peer, nil
}

// Send seals and writes one message.
func (c *Conn) Send(msg Message) error {
	frames, err := Encode(msg)
	if err != nil {
		return err
	}
	record, err := packFrames(frames)
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := box.SealAfterPrecomputation(nonce[:], record, &nonce, &c.shared)

	out := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(sealed)), uint32(len(sealed)))
	out = append(out, sealed...)
	_, err = c.sock.Write(out)
	return err
}

// Recv reads, opens and decodes the next message.
func (c *Conn) Recv() (Message, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(c.sock, head); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(head)
	if size < 24+box.Overhead || size > maxRecordSize+24+box.Overhead {
		return nil, invalidf("sealed record of %d bytes out of bounds", size)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(c.sock, sealed); err != nil {
		return nil, err
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	record, ok := box.OpenAfterPrecomputation(nil, sealed[24:], &nonce, &c.shared)
	if !ok {
		return nil, invalidf("sealed record failed to open")
	}
	frames, err := unpackFrames(record)
	if err != nil {
		return nil, err
	}
	return Decode(frames)
}

// SetReadDeadline bounds the next Recv.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.sock.SetReadDeadline(t)
}

// SetWriteDeadline bounds the next Send.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.sock.SetWriteDeadline(t)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.sock.Close()
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.sock.RemoteAddr()
}
