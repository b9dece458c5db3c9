// Package encoding provides the binary read/write helpers shared by the
// frame and bundle codecs.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrStringTooLong is returned when a length-prefixed string exceeds the
// 64 KiB codec limit.
var ErrStringTooLong = errors.New("string exceeds codec limit")

const maxStringLen = 1 << 16

// WriteString writes a 16-bit length-prefixed UTF-8 string.
func WriteString(buf *bytes.Buffer, s string) error {
	if len(s) >= maxStringLen {
		return ErrStringTooLong
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// ReadString reads a 16-bit length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteUint32 writes a big-endian uint32.
func WriteUint32(buf *bytes.Buffer, v uint32) error {
	return binary.Write(buf, binary.BigEndian, v)
}

// ReadUint32 reads a big-endian uint32.
func ReadUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteBytes writes a 32-bit length-prefixed byte slice.
func WriteBytes(buf *bytes.Buffer, b []byte) error {
	if err := WriteUint32(buf, uint32(len(b))); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

// ReadBytes reads a 32-bit length-prefixed byte slice, rejecting lengths
// beyond max.
func ReadBytes(r io.Reader, max uint32) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && n > max {
		return nil, errors.New("length prefix exceeds limit")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
