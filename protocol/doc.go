package protocol

// This package implements decoding server replies and encoding client
// commands for the pub/sub protocol Herald speaks.
//
// The framing is borrowed from the Redis protocol (RESP) with one twist: by
// default integer fields are fixed width binary rather than decimal text.
// The `Text` dialect switches them back to RESP decimal so Herald can talk to
// a stock server.
//
// - `Command` - A client instruction (SUBSCRIBE, PUBLISH, ...)
// - `Reply`   - Anything the server sends back: acknowledgements, messages,
//               publish receipts, errors.
// - `Dialect` - How integer fields are written on the wire.
//
// === General Syntax
//
// - every reply starts with a single tag byte
// - lines are `\r\n` delimited
// - `<int>` is a 4 byte big-endian signed integer followed by `\r\n` in the
//   binary dialect, and ASCII decimal followed by `\r\n` in the text dialect
//
// === Replies
//
//   ```
//     *<int>                 array of <int> elements
//     $<int><bytes>\r\n      bulk element of <int> bytes
//     :<int>                 integer
//     +<text>\r\n            status
//     -<text>\r\n            error
//   ```
//
// An array element is either a bulk or an integer. A zero length array has no
// elements and ends right after its count.
//
// === Commands
//
// Commands are arrays of bulk strings, the first being the command name.
//
//  ```
//    > *<3>$<9>SUBSCRIBE\r\n$<7>foo.bar\r\n$<3>baz\r\n
//    < *<3>$<9>subscribe\r\n$<7>foo.bar\r\n:<1>
//    < *<3>$<9>subscribe\r\n$<3>baz\r\n:<2>
//  ```
//
// === Messages
//
// Once subscribed the server pushes
//
//  ```
//    < *<3>$<7>message\r\n$<channel>...$<payload>...
//    < *<4>$<8>pmessage\r\n$<pattern>...$<channel>...$<payload>...
//  ```
//
// PUBLISH is answered with an integer, the number of subscribers that
// received the message.
//
// === Partial input
//
// The Decoder never needs a whole reply in one read. It remembers where it
// stopped and picks up from there when more bytes arrive. A tag or
// terminator that is complete but wrong is fatal for the connection.
