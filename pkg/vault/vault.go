// Package vault keeps the archive passwords of a transfer in a local file,
// encrypted, so they do not have to be passed on the command line.
//
// The plaintext is "${len(p1)}${p1}${len(p2)}${p2}" with single byte lengths.
package vault

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrCorrupted is returned when a vault file cannot be decrypted or parsed.
var ErrCorrupted = errors.New("vault file is corrupted")

type Cipher interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

// Passwords protect the inner and the outer archive of a directory transfer.
type Passwords struct {
	Inner string
	Outer string
}

type File struct {
	path   string
	cipher Cipher
}

func NewFile(path string, cipher Cipher) *File {
	return &File{
		path:   path,
		cipher: cipher,
	}
}

func (f *File) Save(p Passwords) error {
	var buf bytes.Buffer

	for _, password := range []string{p.Inner, p.Outer} {
		if err := writePassword(&buf, password); err != nil {
			return err
		}
	}

	encrypted, err := f.cipher.Encrypt(buf.Bytes())
	if err != nil {
		return err
	}

	return os.WriteFile(f.path, encrypted, 0o600)
}

func (f *File) Load() (Passwords, error) {
	payload, err := os.ReadFile(f.path)
	if err != nil {
		return Passwords{}, err
	}

	decrypted, err := f.cipher.Decrypt(payload)
	if err != nil {
		return Passwords{}, err
	}

	r := bytes.NewReader(decrypted)

	var p Passwords

	if p.Inner, err = readPassword(r); err != nil {
		return Passwords{}, err
	}

	if p.Outer, err = readPassword(r); err != nil {
		return Passwords{}, err
	}

	return p, nil
}

func writePassword(w io.Writer, password string) error {
	if len(password) > 255 {
		return errors.New("password is longer than 255 bytes")
	}

	if err := binary.Write(w, binary.BigEndian, uint8(len(password))); err != nil {
		return err
	}

	_, err := io.WriteString(w, password)

	return err
}

func readPassword(r io.Reader) (string, error) {
	var length uint8

	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", errors.Wrap(ErrCorrupted, "password length")
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errors.Wrap(ErrCorrupted, "password truncated")
	}

	return string(b), nil
}
