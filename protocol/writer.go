package protocol

import (
	"io"
)

// AppendCommand appends the frame for cmd and its arguments to dst. Commands
// are sent as an array of bulk strings, the command name first.
//
// Nothing is appended when the command is unknown or given the wrong number
// of arguments.
func AppendCommand(dst []byte, dialect Dialect, cmd Command, args ...string) ([]byte, error) {
	if err := cmd.CheckArgs(len(args)); err != nil {
		return dst, err
	}

	if dialect == nil {
		dialect = Binary
	}

	dst = dialect.AppendArrayHeader(dst, len(args)+1)
	dst = dialect.AppendBulk(dst, []byte(cmd))

	for _, arg := range args {
		dst = dialect.AppendBulk(dst, []byte(arg))
	}

	return dst, nil
}

// WriteCommand encodes a command and writes it to w in a single Write.
func WriteCommand(w io.Writer, dialect Dialect, cmd Command, args ...string) error {
	frame, err := AppendCommand(nil, dialect, cmd, args...)
	if err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}

// AppendArray appends a multi-bulk reply made of the given elements.
func AppendArray(dst []byte, dialect Dialect, elements ...[]byte) []byte {
	if dialect == nil {
		dialect = Binary
	}

	dst = dialect.AppendArrayHeader(dst, len(elements))
	for _, el := range elements {
		dst = dialect.AppendBulk(dst, el)
	}

	return dst
}
