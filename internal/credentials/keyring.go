package credentials

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fernet/fernet-go"

	"mash/internal/apperrors"
)

// KeyRing is an ordered set of Fernet keys. The first key encrypts; any key
// may decrypt, so a rotated ring still opens blobs sealed with older keys.
type KeyRing struct {
	keys []*fernet.Key
}

// NewKeyRing builds a ring from keys, newest first.
func NewKeyRing(keys ...*fernet.Key) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, apperrors.Credential("keyring.new", fmt.Errorf("key ring is empty"))
	}
	return &KeyRing{keys: keys}, nil
}

// GenerateKey returns a new random key.
func GenerateKey() (*fernet.Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, apperrors.Credential("keyring.generate", err)
	}
	return &k, nil
}

// ParseKeyRing reads one encoded key per line. Blank lines and lines
// starting with # are ignored.
func ParseKeyRing(data []byte) (*KeyRing, error) {
	var encoded []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		encoded = append(encoded, line)
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Credential("keyring.parse", err)
	}
	if len(encoded) == 0 {
		return nil, apperrors.Credential("keyring.parse", fmt.Errorf("no keys found"))
	}

	keys, err := fernet.DecodeKeys(encoded...)
	if err != nil {
		return nil, apperrors.Credential("keyring.parse", err)
	}
	return &KeyRing{keys: keys}, nil
}

// LoadKeyRing reads a key ring file.
func LoadKeyRing(path string) (*KeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Credential("keyring.load", err)
	}
	return ParseKeyRing(data)
}

// Len returns the number of keys.
func (r *KeyRing) Len() int {
	return len(r.keys)
}

// Encrypt seals plaintext with the first key.
func (r *KeyRing) Encrypt(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, r.keys[0])
	if err != nil {
		return nil, apperrors.Credential("keyring.encrypt", err)
	}
	return tok, nil
}

// Decrypt opens a token with the first key that verifies it. Tokens do not
// expire.
func (r *KeyRing) Decrypt(token []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(token, -1, r.keys)
	if msg == nil {
		return nil, apperrors.Credential("keyring.decrypt", fmt.Errorf("no key in the ring can decrypt the token"))
	}
	return msg, nil
}

// Rotate returns a ring with a fresh key in front, keeping at most keep keys
// in total. keep <= 0 keeps every key.
func (r *KeyRing) Rotate(keep int) (*KeyRing, error) {
	k, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	keys := append([]*fernet.Key{k}, r.keys...)
	if keep > 0 && len(keys) > keep {
		keys = keys[:keep]
	}
	return &KeyRing{keys: keys}, nil
}

// Encode renders the ring in the file format read by ParseKeyRing.
func (r *KeyRing) Encode() []byte {
	var b bytes.Buffer
	for _, k := range r.keys {
		b.WriteString(k.Encode())
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// WriteKeyRing atomically replaces the file at path with ring, mode 0600.
func WriteKeyRing(path string, ring *KeyRing) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keyring-*")
	if err != nil {
		return apperrors.Persistence("keyring.write", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return apperrors.Persistence("keyring.write", err)
	}
	if _, err := tmp.Write(ring.Encode()); err != nil {
		_ = tmp.Close()
		return apperrors.Persistence("keyring.write", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return apperrors.Persistence("keyring.write", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Persistence("keyring.write", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Persistence("keyring.write", err)
	}
	return nil
}
