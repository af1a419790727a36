package tape

import "errors"

var (
	// ErrKeyRequired indicates no tape key was supplied
	ErrKeyRequired = errors.New("tape key required")

	// ErrInvalidKey indicates the tape key is not valid Fernet key material
	ErrInvalidKey = errors.New("invalid tape key")

	// ErrDecryptFailed indicates the tape could not be decrypted
	ErrDecryptFailed = errors.New("failed to decrypt tape: invalid key or corrupted tape")

	// ErrInvalidIgnorePath indicates a replay ignore path failed to parse
	ErrInvalidIgnorePath = errors.New("invalid replay ignore path")
)
