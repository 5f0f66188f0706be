package interfaces

// Cryptor is the opaque encryption capability for stored credentials
type Cryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
