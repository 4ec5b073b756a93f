package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	// MaxBulkLength is the largest element payload the decoder will accept.
	MaxBulkLength = 512 * 1024 * 1024

	// MaxArrayCount is the largest element count the decoder will accept.
	MaxArrayCount = 1024 * 1024

	// MaxLineLength bounds status and error lines.
	MaxLineLength = 64 * 1024
)

// State is the position of a Decoder within the reply it is reading.
type State int

const (
	AwaitType State = iota
	AwaitArgCount
	AwaitElementPrefix
	AwaitElementLength
	AwaitElementBody
	AwaitElementInteger
	AwaitLine
	AwaitInteger
	AwaitBulkLength
	AwaitBulkBody
)

var stateNames = [...]string{
	AwaitType:           "AwaitType",
	AwaitArgCount:       "AwaitArgCount",
	AwaitElementPrefix:  "AwaitElementPrefix",
	AwaitElementLength:  "AwaitElementLength",
	AwaitElementBody:    "AwaitElementBody",
	AwaitElementInteger: "AwaitElementInteger",
	AwaitLine:           "AwaitLine",
	AwaitInteger:        "AwaitInteger",
	AwaitBulkLength:     "AwaitBulkLength",
	AwaitBulkBody:       "AwaitBulkBody",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// pendingReply is the scratch record for the reply currently being read.
type pendingReply struct {
	// remaining counts the elements still to be read
	remaining int

	// length of the element body being read
	length int

	elements [][]byte

	// lineTag is the tag of a pending status or error line
	lineTag byte
}

// Decoder is a resumable reply decoder. It keeps its position between calls
// so a reply may arrive split across any number of deliveries.
//
// A Decoder is not safe for concurrent use; it belongs to the goroutine
// reading its connection.
type Decoder struct {
	dialect Dialect
	state   State
	pending pendingReply

	// offset is the number of bytes consumed since the last Reset
	offset int
	failed *FramingError
}

func NewDecoder(dialect Dialect) *Decoder {
	if dialect == nil {
		dialect = Binary
	}

	return &Decoder{dialect: dialect}
}

func (d *Decoder) State() State {
	return d.state
}

func (d *Decoder) Dialect() Dialect {
	return d.dialect
}

// Reset discards any partially read reply and clears a previous failure.
func (d *Decoder) Reset() {
	d.state = AwaitType
	d.pending = pendingReply{}
	d.offset = 0
	d.failed = nil
}

// Decode advances the decoder over buf.
//
// When a reply completes it is returned along with the number of bytes it
// took from buf. When buf runs out first, Decode returns a nil reply and a
// nil error; n is then the number of bytes the decoder has already
// accounted for, and the caller must call Decode again with the remainder of
// buf followed by any newly received bytes. Bytes belonging to a step that
// cannot be completed yet are never consumed.
//
// Any other outcome is a *FramingError, after which the decoder refuses
// further input until Reset.
func (d *Decoder) Decode(buf []byte) (Reply, int, error) {
	if d.failed != nil {
		return nil, 0, fmt.Errorf("%v: %w", d.failed, ErrDecoderFailed)
	}

	n := 0
	for {
		reply, step, err := d.step(buf[n:])
		if err != nil {
			d.failed = &FramingError{State: d.state, Offset: d.offset + n, Err: err}
			d.offset += n
			return nil, n, d.failed
		}

		n += step

		if reply != nil {
			d.offset += n
			return reply, n, nil
		}

		if step == 0 {
			d.offset += n
			return nil, n, nil
		}
	}
}

// Each decodes every complete reply in buf, calling fn for each in order.
// It returns the number of bytes consumed, which includes any progress made
// into a trailing partial reply.
func (d *Decoder) Each(buf []byte, fn func(Reply) error) (int, error) {
	consumed := 0

	for consumed < len(buf) {
		reply, n, err := d.Decode(buf[consumed:])
		consumed += n

		if err != nil {
			return consumed, err
		}

		if reply == nil {
			break
		}

		if err := fn(reply); err != nil {
			return consumed, err
		}
	}

	return consumed, nil
}

// step performs a single state transition. It returns step == 0 with no
// reply and no error when buf does not hold enough bytes for the current
// state.
func (d *Decoder) step(buf []byte) (Reply, int, error) {
	switch d.state {
	case AwaitType:
		if len(buf) < 1 {
			return nil, 0, nil
		}

		switch buf[0] {
		case TagArray:
			d.state = AwaitArgCount
		case TagStatus, TagError:
			d.pending.lineTag = buf[0]
			d.state = AwaitLine
		case TagInteger:
			d.state = AwaitInteger
		case TagBulk:
			d.state = AwaitBulkLength
		default:
			return nil, 0, unexpectedTag(buf[0])
		}

		return nil, 1, nil

	case AwaitArgCount:
		count, n, err := d.dialect.ReadInt(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		if count < 0 || count > MaxArrayCount {
			return nil, 0, fmt.Errorf("array count %d: %w", count, ErrInvalidLength)
		}

		if count == 0 {
			d.complete()
			return Array{}, n, nil
		}

		capacity := count
		if capacity > 64 {
			capacity = 64
		}

		d.pending = pendingReply{
			remaining: int(count),
			elements:  make([][]byte, 0, capacity),
		}
		d.state = AwaitElementPrefix

		return nil, n, nil

	case AwaitElementPrefix:
		if len(buf) < 1 {
			return nil, 0, nil
		}

		switch buf[0] {
		case TagBulk:
			d.state = AwaitElementLength
		case TagInteger:
			d.state = AwaitElementInteger
		default:
			return nil, 0, unexpectedTag(buf[0])
		}

		return nil, 1, nil

	case AwaitElementLength:
		length, n, err := d.readLength(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		if length < 0 {
			return d.appendElement(nil, n)
		}

		d.pending.length = length
		d.state = AwaitElementBody

		return nil, n, nil

	case AwaitElementBody:
		body, n, err := d.readBody(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		return d.appendElement(body, n)

	case AwaitElementInteger:
		v, n, err := d.dialect.ReadInt(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		return d.appendElement(strconv.AppendInt(nil, v, 10), n)

	case AwaitLine:
		end := bytes.IndexByte(buf, '\n')
		if end < 0 {
			// the line and its '\r'
			if len(buf) > MaxLineLength+1 {
				return nil, 0, ErrLineTooLong
			}
			return nil, 0, nil
		}

		if end == 0 || buf[end-1] != '\r' {
			return nil, 0, ErrBadTerminator
		}

		if end-1 > MaxLineLength {
			return nil, 0, ErrLineTooLong
		}

		line := string(buf[:end-1])
		tag := d.pending.lineTag
		d.complete()

		if tag == TagError {
			return Error(line), end + 1, nil
		}

		return Status(line), end + 1, nil

	case AwaitInteger:
		v, n, err := d.dialect.ReadInt(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		d.complete()
		return Integer(v), n, nil

	case AwaitBulkLength:
		length, n, err := d.readLength(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		if length < 0 {
			d.complete()
			return Bulk(nil), n, nil
		}

		d.pending.length = length
		d.state = AwaitBulkBody

		return nil, n, nil

	case AwaitBulkBody:
		body, n, err := d.readBody(buf)
		if err != nil || n == 0 {
			return nil, 0, err
		}

		d.complete()
		return Bulk(body), n, nil
	}

	return nil, 0, fmt.Errorf("decoder in unknown state %d", int(d.state))
}

// readLength reads a bulk length field. The null length -1 is returned as is.
func (d *Decoder) readLength(buf []byte) (int, int, error) {
	length, n, err := d.dialect.ReadInt(buf)
	if err != nil || n == 0 {
		return 0, 0, err
	}

	if length < -1 || length > MaxBulkLength {
		return 0, 0, fmt.Errorf("bulk length %d: %w", length, ErrInvalidLength)
	}

	return int(length), n, nil
}

// readBody reads exactly pending.length bytes and their terminator. The
// returned body is a copy, buf may be reused by the caller.
func (d *Decoder) readBody(buf []byte) ([]byte, int, error) {
	need := d.pending.length + len(Terminal)
	if len(buf) < need {
		return nil, 0, nil
	}

	if !bytes.Equal(buf[d.pending.length:need], Terminal) {
		return nil, 0, ErrBadTerminator
	}

	body := make([]byte, d.pending.length)
	copy(body, buf[:d.pending.length])

	return body, need, nil
}

func (d *Decoder) appendElement(el []byte, n int) (Reply, int, error) {
	d.pending.elements = append(d.pending.elements, el)
	d.pending.remaining--

	if d.pending.remaining > 0 {
		d.pending.length = 0
		d.state = AwaitElementPrefix
		return nil, n, nil
	}

	reply := Array(d.pending.elements)
	d.complete()

	return reply, n, nil
}

// complete returns the decoder to its initial state once a reply is done.
func (d *Decoder) complete() {
	d.state = AwaitType
	d.pending = pendingReply{}
}

func unexpectedTag(tag byte) error {
	return fmt.Errorf("%q (0x%02x): %w", rune(tag), tag, ErrUnexpectedTag)
}
