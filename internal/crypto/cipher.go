package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode wraps every failure mode of Decrypt: malformed envelope, bad
// base64, wrong IV length, invalid padding, non-JSON plaintext. Callers
// treat them all as a single rejection class.
var ErrDecode = errors.New("envelope decode failed")

// Cipher encrypts small JSON payloads into opaque string envelopes of the
// form base64(iv) + ":" + base64(ciphertext), AES-256-CBC with PKCS#7
// padding. The key is derived from the shared secret the same way on the
// presenter and validator sides: the first 32 bytes of the base64 text of
// the secret's SHA-256 digest.
type Cipher struct {
	key []byte
}

func NewCipher(secret string) *Cipher {
	digest := sha256.Sum256([]byte(secret))
	encoded := base64.StdEncoding.EncodeToString(digest[:])
	return &Cipher{key: []byte(encoded[:32])}
}

func (c *Cipher) Encrypt(payload any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *Cipher) Decrypt(envelope string, out any) error {
	ivPart, ctPart, found := strings.Cut(envelope, ":")
	if !found {
		return fmt.Errorf("%w: missing separator", ErrDecode)
	}
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil {
		return fmt.Errorf("%w: invalid iv encoding", ErrDecode)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil {
		return fmt.Errorf("%w: invalid ciphertext encoding", ErrDecode)
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("%w: invalid iv length", ErrDecode)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: invalid ciphertext length", ErrDecode)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := json.Unmarshal(unpadded, out); err != nil {
		return fmt.Errorf("%w: invalid payload json", ErrDecode)
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
