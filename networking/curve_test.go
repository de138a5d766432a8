package networking

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	allowed [32]byte
}

func (a *staticAuth) Authorized(public [32]byte) bool {
	return public == a.allowed
}

func handshakePair(t *testing.T, clientKeys, serverKeys KeyPair, auth Authorizer) (*Conn, *Conn, *Peer) {
	t.Helper()
	clientSock, serverSock := net.Pipe()

	type serverResult struct {
		conn *Conn
		peer *Peer
		err  error
	}
	done := make(chan serverResult, 1)
	go func() {
		conn, peer, err := ServerHandshake(serverSock, serverKeys, auth)
		done <- serverResult{conn, peer, err}
	}()

	var identity [IdentitySize]byte
	copy(identity[:], "0123456789abcdef")
	clientConn, err := ClientHandshake(clientSock, identity, clientKeys, serverKeys.Public)
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, identity, res.peer.Identity)
	return clientConn, res.conn, res.peer
}

func TestHandshakeAndMessageExchange(t *testing.T) {
	clientKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	serverKeys, err := GenerateKeyPair()
	require.NoError(t, err)

	clientConn, serverConn, _ := handshakePair(t, clientKeys, serverKeys, &staticAuth{allowed: clientKeys.Public})

	sent := PostChunk{Flags: 0, Seek: 120, Data: []byte("sealed payload")}
	go func() {
		clientConn.Send(sent)
	}()
	got, err := serverConn.Recv()
	require.NoError(t, err)
	require.Equal(t, sent, got)

	reply := StatusReport{Seek: 134, Credit: 9}
	go func() {
		serverConn.Send(reply)
	}()
	back, err := clientConn.Recv()
	require.NoError(t, err)
	require.Equal(t, reply, back)
}

func TestHandshakeRefusesUnknownClient(t *testing.T) {
	clientKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	serverKeys, err := GenerateKeyPair()
	require.NoError(t, err)
	stranger, err := GenerateKeyPair()
	require.NoError(t, err)

	clientSock, serverSock := net.Pipe()
	done := make(chan error, 1)
	go func() {
		_, _, err := ServerHandshake(serverSock, serverKeys, &staticAuth{allowed: stranger.Public})
		done <- err
	}()

	var identity [IdentitySize]byte
	_, err = ClientHandshake(clientSock, identity, clientKeys, serverKeys.Public)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, <-done, ErrUnauthorized)
}

func TestKeyFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, WriteKeyPair(dir, "client", keys))

	loaded, err := LoadKeyPair(filepath.Join(dir, "client.key"))
	require.NoError(t, err)
	require.Equal(t, keys.Secret, loaded.Secret)
	require.Equal(t, keys.Public, loaded.Public)

	public, err := LoadPublicKey(filepath.Join(dir, "client.pub"))
	require.NoError(t, err)
	require.Equal(t, keys.Public, public)
}

func TestDirAuthorizer(t *testing.T) {
	dir := t.TempDir()
	known, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, WriteKeyPair(dir, "lab-a", known))

	unknown, err := GenerateKeyPair()
	require.NoError(t, err)

	auth, err := NewDirAuthorizer(dir)
	require.NoError(t, err)
	require.True(t, auth.Authorized(known.Public))
	require.False(t, auth.Authorized(unknown.Public))
	require.Equal(t, "lab-a", auth.Name(known.Public))
}
