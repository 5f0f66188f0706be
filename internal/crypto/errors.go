package crypto

import "errors"

var (
	ErrInvalidIdentity = errors.New("invalid age identity")
	ErrDecrypt         = errors.New("ciphertext could not be decrypted")
)
