package tape

import (
	"encoding/base64"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ParseKey turns tape key material into a Fernet key. A 44-character
// string is treated as an already-encoded urlsafe-base64 key; anything
// else must be exactly 32 raw bytes and is encoded first.
func ParseKey(key string) (*fernet.Key, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}
	encoded := key
	if len(key) != 44 {
		encoded = base64.URLEncoding.EncodeToString([]byte(key))
	}
	keys, err := fernet.DecodeKeys(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return keys[0], nil
}

func encrypt(payload []byte, key *fernet.Key) ([]byte, error) {
	return fernet.EncryptAndSign(payload, key)
}

func decrypt(payload []byte, key *fernet.Key) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(payload, 0, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrDecryptFailed
	}
	return msg, nil
}
