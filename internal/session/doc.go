// Package session
// Author: momentics <momentics@gmail.com>
//
// Streaming session manager. A session tracks one multi-message exchange
// (tool execution, command execution, diff application) keyed by connection
// and correlation id:
//
//	Started -> InProgress (0..n Progress) -> {Completed | Failed | TimedOut}
//
// Exactly one terminal envelope is emitted per session. Progress is best
// effort; terminals are retried while the ring reports Busy. A session
// without a terminal before its deadline is finished with a synthesized
// TimedOut envelope.

package session
