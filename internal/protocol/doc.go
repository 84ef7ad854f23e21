// Package protocol owns the command/reply vocabulary shared by server and client.
//
// Ownership boundary:
// - frame: fixed-size command frame codec
// - upload: matrix upload body codec
// - reply formatting and parsing (INFO, STATUS, RESULT)
package protocol
