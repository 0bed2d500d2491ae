// Package broker implements the permission broker protocol: a line-delimited
// JSON channel to a supervising process that approves or denies capability
// requests.
//
// Each request is one line:
//
//	{"v":1,"pid":4242,"id":1,"datetime":"2024-05-01T10:00:00Z","permission":"read","value":"/etc/hosts"}
//
// and is answered by exactly one line carrying the same id:
//
//	{"id":1,"result":"deny","reason":"outside workspace"}
//
// The broker is trusted infrastructure. Any I/O error, malformed line,
// unknown result or id mismatch is fatal: the client logs a diagnostic and
// terminates the process with ExitCode. There is no retry.
package broker
