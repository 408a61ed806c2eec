package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

// MaxFrameLen is the largest encoded payload a single frame can carry.
// The length prefix is an unsigned 16-bit integer.
const MaxFrameLen = 0xFFFF

var (
	// ErrFrameTooLong is returned when a string encodes to more than MaxFrameLen bytes.
	ErrFrameTooLong = errors.New("protocol: frame exceeds 65535 encoded bytes")

	// ErrMalformedFrame is returned when a frame body is not valid modified UTF-8.
	ErrMalformedFrame = errors.New("protocol: malformed modified UTF-8 frame")
)

// EncodeModifiedUTF8 encodes s the way java.io.DataOutputStream.writeUTF does:
// NUL becomes the two-byte sequence 0xC0 0x80 and characters outside the
// Basic Multilingual Plane are written as UTF-16 surrogate pairs, each
// surrogate encoded in three bytes.
func EncodeModifiedUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r == 0:
			out = append(out, 0xC0, 0x80)
		case r < 0x80:
			out = append(out, byte(r))
		case r < 0x800:
			out = append(out, 0xC0|byte(r>>6), 0x80|byte(r&0x3F))
		case r < 0x10000:
			out = appendThree(out, uint16(r))
		default:
			hi, lo := utf16.EncodeRune(r)
			out = appendThree(out, uint16(hi))
			out = appendThree(out, uint16(lo))
		}
	}
	return out
}

func appendThree(out []byte, u uint16) []byte {
	return append(out, 0xE0|byte(u>>12), 0x80|byte((u>>6)&0x3F), 0x80|byte(u&0x3F))
}

// DecodeModifiedUTF8 reverses EncodeModifiedUTF8. Unpaired surrogates decode
// to U+FFFD.
func DecodeModifiedUTF8(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return "", fmt.Errorf("%w: truncated two-byte sequence at %d", ErrMalformedFrame, i)
			}
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return "", fmt.Errorf("%w: truncated three-byte sequence at %d", ErrMalformedFrame, i)
			}
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			return "", fmt.Errorf("%w: invalid lead byte 0x%02x at %d", ErrMalformedFrame, c, i)
		}
	}
	return string(utf16.Decode(units)), nil
}

// WriteUTF writes s as a length-prefixed modified UTF-8 frame.
func WriteUTF(w io.Writer, s string) error {
	body := EncodeModifiedUTF8(s)
	if len(body) > MaxFrameLen {
		return ErrFrameTooLong
	}
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	_, err := w.Write(frame)
	return err
}

// ReadUTF reads one length-prefixed modified UTF-8 frame.
// A clean end of stream before the prefix returns io.EOF; a stream that ends
// inside a frame returns io.ErrUnexpectedEOF.
func ReadUTF(r io.Reader) (string, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return DecodeModifiedUTF8(body)
}

// WriteClientID writes the fixed-width (8 byte, big-endian) client id that
// opens every command connection.
func WriteClientID(w io.Writer, id int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	_, err := w.Write(buf[:])
	return err
}

// ReadClientID reads the fixed-width client id sent at connection time.
func ReadClientID(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}
