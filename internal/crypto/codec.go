package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// encMode uses Core Deterministic Encoding so equal records seal equal plaintext
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crypto: CBOR encoder initialization failed: " + err.Error())
	}
}

// SealRecord CBOR-encodes a remote access record and encrypts it
func SealRecord(c interfaces.Cryptor, record *types.RemoteAccessRecord) (string, error) {
	data, err := encMode.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding access record: %w", err)
	}
	return c.Encrypt(base64.StdEncoding.EncodeToString(data))
}

// OpenRecord reverses SealRecord
func OpenRecord(c interfaces.Cryptor, sealed string) (*types.RemoteAccessRecord, error) {
	plain, err := c.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(plain)
	if err != nil {
		return nil, fmt.Errorf("decoding access record: %w", err)
	}
	var record types.RemoteAccessRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding access record: %w", err)
	}
	return &record, nil
}
