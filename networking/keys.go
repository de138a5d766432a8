package networking

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair holds a curve25519 key pair for the transport handshake.
type KeyPair struct {
	Public [32]byte
	Secret [32]byte
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

// WriteKeyPair stores the pair as <name>.key and <name>.pub under dir.
// The secret file is only readable by the owner.
func WriteKeyPair(dir, name string, keys KeyPair) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	secret := base64.StdEncoding.EncodeToString(keys.Secret[:]) + "\n"
	if err := os.WriteFile(filepath.Join(dir, name+".key"), []byte(secret), 0o600); err != nil {
		return err
	}
	public := base64.StdEncoding.EncodeToString(keys.Public[:]) + "\n"
	return os.WriteFile(filepath.Join(dir, name+".pub"), []byte(public), 0o644)
}

// LoadKeyPair reads a secret key file and derives the public half.
func LoadKeyPair(path string) (KeyPair, error) {
	secret, err := loadKey(path)
	if err != nil {
		return KeyPair{}, err
	}
	keys := KeyPair{Secret: secret}
	public, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(keys.Public[:], public)
	return keys, nil
}

// LoadPublicKey reads a public key file.
func LoadPublicKey(path string) ([32]byte, error) {
	return loadKey(path)
}

func loadKey(path string) ([32]byte, error) {
	var key [32]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return key, err
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return key, errors.New(path + ": not a base64 key file")
	}
	if len(decoded) != 32 {
		return key, errors.New(path + ": key must decode to 32 bytes")
	}
	copy(key[:], decoded)
	return key, nil
}

// Authorizer decides which client public keys may connect.
type Authorizer interface {
	Authorized(public [32]byte) bool
}

// DirAuthorizer admits every key found as a *.pub file in a directory,
// loaded once at startup.
type DirAuthorizer struct {
	keys map[[32]byte]string
}

// NewDirAuthorizer scans dir for *.pub files.
func NewDirAuthorizer(dir string) (*DirAuthorizer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	auth := &DirAuthorizer{keys: make(map[[32]byte]string)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		key, err := loadKey(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		auth.keys[key] = strings.TrimSuffix(entry.Name(), ".pub")
	}
	return auth, nil
}

// Authorized reports whether the key was present at startup.
func (a *DirAuthorizer) Authorized(public [32]byte) bool {
	_, ok := a.keys[public]
	return ok
}

// Name returns the file stem the key was loaded from, for logging.
func (a *DirAuthorizer) Name(public [32]byte) string {
	return a.keys[public]
}
