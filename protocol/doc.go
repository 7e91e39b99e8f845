package protocol

// This package implements parsing and serialising of the frames that the
// relay uses to communicate with hardware and app clients.
//
// This protocol aims to be
//
// - easy to implement on small microcontrollers
// - efficient to parse
// - minimize memory usage
// - be human readable
//
// - `Frame`    - One discrete protocol message: a message id, a command, and
//                a command-specific body.
// - `Command`  - The closed set of frame kinds. Parsing resolves the command
//                once; nothing downstream branches on raw strings.
// - `Status`   - Numeric result code carried by `response` frames.
//
// === General Syntax
//
// - frames are line oriented and `\r\n` delimited (a bare `\n` is accepted)
// - a frame is `<messageId> <command> [<body>]`
// - the message id is a decimal in 1..65535; ids are assigned by whichever
//   side initiates the exchange, increase monotonically per sender, wrap
//   past 65535 back to 1, and are never 0
// - command words are case sensitive
//
// The server forwards hardware data to apps (and vice versa) as it arrives,
// so pushed frames interleave with command responses on the same stream.
// Pushed frames carry ids from the server's own per-connection sequence;
// responses echo the id of the request they answer. A client correlates by
// id for responses and by command for pushes.
//
// === Client commands
//
// - `register <email> <password>` - create an account
// - `login <email> <password> [osType version]` - authenticate an app client
// - `login <token>` - authenticate a hardware client by device token. The
//   two login forms are distinguished by argument shape at parse time.
// - `ping` - keep-alive, answered with an OK response
// - `loadProfile` / `loadProfileGzipped [dashId]` - fetch the profile blob
// - `createDash <json>` / `deleteDash <dashId>`
// - `activate <dashId>` / `deactivate <dashId>`
// - `getToken <dashId>[-<deviceId>]` - fetch (minting if needed) a token
// - `hardware <body>` - pin data. From an app the body is
//   `<dashId>-<deviceId> <op> <pin> <value>`; from hardware it is
//   `<op> <pin> <value>`.
//
// === Server pushes and responses
//
// - `response <statusCode>` - result of the request with the same id
// - `connected <dashId>-<deviceId>` / `disconnected <dashId>-<deviceId>`
// - `hardware ...` - forwarded pin data
// - `token <token>` - reply to getToken
// - `profile <json>` - reply to loadProfile
//
// === Binary bodies
//
// A body of the form `$<n>` announces a binary continuation: exactly n raw
// bytes follow the line, then a closing `\r\n`. This is how gzipped profile
// blobs travel without escaping.
//
//   ```
//   <id> profile $<n>\r\n
//   <n raw bytes>\r\n
//   ```
//
// === Errors
//
// Requests that fail produce a `response` frame with a non-OK status, e.g.
//
//   ```
//   > 7 getToken 1\r\n
//   < 7 response 5\r\n
//   ```
//
// Malformed frames (unparseable id, unknown command, oversized body) are
// protocol violations; the server closes the offending connection rather
// than resynchronise a corrupt stream.
//
