package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"
)

const (
	TagArray   byte = '*'
	TagBulk    byte = '$'
	TagStatus  byte = '+'
	TagError   byte = '-'
	TagInteger byte = ':'
)

var Terminal = []byte("\r\n")

// maxTextField bounds how far a decimal field is scanned for its terminator
// before the field is treated as malformed.
const maxTextField = 32

// Dialect controls how integer fields (array counts, bulk lengths and
// integer replies) are represented on the wire. Everything else about the
// framing is shared between dialects.
type Dialect interface {
	Name() string

	// ReadInt reads an integer field and its terminator from the start of buf.
	// It returns n == 0 and a nil error when buf does not yet hold the whole
	// field.
	ReadInt(buf []byte) (v int64, n int, err error)

	AppendArrayHeader(dst []byte, count int) []byte
	AppendBulk(dst []byte, b []byte) []byte
	AppendInteger(dst []byte, v int64) []byte
	AppendStatus(dst []byte, s string) []byte
	AppendError(dst []byte, s string) []byte
}

// Binary writes integer fields as fixed-width 4 byte big-endian signed
// integers. Values outside the int32 range are clamped to it.
var Binary Dialect = binaryDialect{}

// Text writes integer fields as ASCII decimal, which is what RESP servers
// expect.
var Text Dialect = textDialect{}

// ParseDialect maps a configured dialect name onto a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "binary":
		return Binary, nil
	case "text", "resp":
		return Text, nil
	default:
		return nil, fmt.Errorf("dialect '%s': %w", name, ErrUnknownDialect)
	}
}

const binaryFieldWidth = 4

type binaryDialect struct{}

func (binaryDialect) Name() string { return "binary" }

func (binaryDialect) ReadInt(buf []byte) (int64, int, error) {
	if len(buf) < binaryFieldWidth+len(Terminal) {
		return 0, 0, nil
	}

	if !bytes.Equal(buf[binaryFieldWidth:binaryFieldWidth+len(Terminal)], Terminal) {
		return 0, 0, ErrBadTerminator
	}

	v := int32(binary.BigEndian.Uint32(buf[:binaryFieldWidth]))
	return int64(v), binaryFieldWidth + len(Terminal), nil
}

func (d binaryDialect) AppendArrayHeader(dst []byte, count int) []byte {
	dst = append(dst, TagArray)
	return d.appendField(dst, int64(count))
}

func (d binaryDialect) AppendBulk(dst []byte, b []byte) []byte {
	dst = append(dst, TagBulk)
	dst = d.appendField(dst, int64(len(b)))
	dst = append(dst, b...)
	return append(dst, Terminal...)
}

func (d binaryDialect) AppendInteger(dst []byte, v int64) []byte {
	dst = append(dst, TagInteger)
	return d.appendField(dst, v)
}

func (binaryDialect) AppendStatus(dst []byte, s string) []byte {
	return appendLine(dst, TagStatus, s)
}

func (binaryDialect) AppendError(dst []byte, s string) []byte {
	return appendLine(dst, TagError, s)
}

func (binaryDialect) appendField(dst []byte, v int64) []byte {
	if v > math.MaxInt32 {
		v = math.MaxInt32
	} else if v < math.MinInt32 {
		v = math.MinInt32
	}

	var field [binaryFieldWidth]byte
	binary.BigEndian.PutUint32(field[:], uint32(int32(v)))
	dst = append(dst, field[:]...)
	return append(dst, Terminal...)
}

type textDialect struct{}

func (textDialect) Name() string { return "text" }

func (textDialect) ReadInt(buf []byte) (int64, int, error) {
	end := bytes.IndexByte(buf, '\n')
	if end < 0 {
		if len(buf) > maxTextField {
			return 0, 0, ErrLineTooLong
		}
		return 0, 0, nil
	}

	if end == 0 || buf[end-1] != '\r' {
		return 0, 0, ErrBadTerminator
	}

	v, err := strconv.ParseInt(string(buf[:end-1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("field '%s': %w", string(buf[:end-1]), ErrInvalidLength)
	}

	return v, end + 1, nil
}

func (textDialect) AppendArrayHeader(dst []byte, count int) []byte {
	return redcon.AppendArray(dst, count)
}

func (textDialect) AppendBulk(dst []byte, b []byte) []byte {
	return redcon.AppendBulk(dst, b)
}

func (textDialect) AppendInteger(dst []byte, v int64) []byte {
	return redcon.AppendInt(dst, v)
}

func (textDialect) AppendStatus(dst []byte, s string) []byte {
	return redcon.AppendString(dst, s)
}

func (textDialect) AppendError(dst []byte, s string) []byte {
	return redcon.AppendError(dst, s)
}

func appendLine(dst []byte, tag byte, s string) []byte {
	dst = append(dst, tag)
	dst = append(dst, strings.NewReplacer("\r", " ", "\n", " ").Replace(s)...)
	return append(dst, Terminal...)
}
