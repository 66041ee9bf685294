// Package transfer moves a single file across a sub-channel.
//
// A transfer is a sequence of binary messages, each starting with a one byte
// kind:
//
//	'H' <uint8 name length> <name>   file header, always first
//	'D' <chunk>                      file content, in order
//	'E'                              end of file
//
// A sender may instead archive a whole directory into a double ZIP, the inner
// and outer archives optionally protected with their own password. The
// receiver stores whatever arrives under the announced name and keeps older
// files of the same name as numbered versions.
package transfer

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	frameHeader byte = 'H'
	frameData   byte = 'D'
	frameEnd    byte = 'E'

	maxNameLength = 255
)

// Channel is the part of a sub-channel a transfer needs.
type Channel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	Close() error
}

func headerFrame(name string) ([]byte, error) {
	if len(name) == 0 {
		return nil, errors.New("file name is empty")
	}

	if len(name) > maxNameLength {
		return nil, errors.Errorf("file name is longer than %d bytes", maxNameLength)
	}

	var buf bytes.Buffer

	buf.WriteByte(frameHeader)

	if err := binary.Write(&buf, binary.BigEndian, uint8(len(name))); err != nil {
		return nil, err
	}

	buf.WriteString(name)

	return buf.Bytes(), nil
}

func parseHeader(frame []byte) (string, error) {
	r := bytes.NewReader(frame[1:])

	var nameLen uint8
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return "", errors.Wrap(ErrBadFrame, "header without name length")
	}

	name := make([]byte, nameLen)
	if err := binary.Read(r, binary.BigEndian, name); err != nil {
		return "", errors.Wrap(ErrBadFrame, "header name truncated")
	}

	return string(name), nil
}
