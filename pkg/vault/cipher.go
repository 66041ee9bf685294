package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

// AESCBC encrypts with AES in CBC mode and PKCS#7 padding. Every ciphertext
// starts with its own random IV.
type AESCBC struct {
	block cipher.Block
}

func NewAESCBC(key []byte) (*AESCBC, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes key")
	}

	return &AESCBC{block: block}, nil
}

func (c *AESCBC) Encrypt(payload []byte) ([]byte, error) {
	size := c.block.BlockSize()
	payload = pkcs7pad.Pad(payload, size)

	out := make([]byte, size+len(payload))

	iv := out[:size]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}

	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[size:], payload)

	return out, nil
}

func (c *AESCBC) Decrypt(payload []byte) ([]byte, error) {
	size := c.block.BlockSize()

	if len(payload) < 2*size || len(payload)%size != 0 {
		return nil, errors.Wrap(ErrCorrupted, "ciphertext length")
	}

	iv, body := payload[:size], payload[size:]

	decrypted := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(decrypted, body)

	unpadded, err := pkcs7pad.Unpad(decrypted)
	if err != nil {
		return nil, errors.Wrap(ErrCorrupted, err.Error())
	}

	return unpadded, nil
}
