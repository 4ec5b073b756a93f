package protocol

import "fmt"

// Reply is a fully decoded server reply. It is one of Status, Error,
// Integer, Bulk or Array.
type Reply interface {
	Tag() byte
	fmt.Stringer
}

type Status string

type Error string

type Integer int64

// Bulk is a single top level bulk string. A nil Bulk is the null bulk.
type Bulk []byte

// Array is a multi-bulk reply. Its elements are in arrival order and never
// include framing bytes.
type Array [][]byte

func (Status) Tag() byte  { return TagStatus }
func (Error) Tag() byte   { return TagError }
func (Integer) Tag() byte { return TagInteger }
func (Bulk) Tag() byte    { return TagBulk }
func (Array) Tag() byte   { return TagArray }

func (s Status) String() string  { return string(s) }
func (e Error) String() string   { return string(e) }
func (i Integer) String() string { return fmt.Sprintf("%d", int64(i)) }
func (b Bulk) String() string    { return string(b) }

func (a Array) String() string {
	return fmt.Sprintf("%q", a.Strings())
}

// Strings returns the elements as strings.
func (a Array) Strings() []string {
	ss := make([]string, len(a))
	for i, el := range a {
		ss[i] = string(el)
	}
	return ss
}

var (
	_ Reply = Status("")
	_ Reply = Error("")
	_ Reply = Integer(0)
	_ Reply = Bulk(nil)
	_ Reply = Array(nil)
)
