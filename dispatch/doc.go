// Package dispatch
// Author: momentics <momentics@gmail.com>
//
// Handler registry and dispatcher. The registry is an immutable table keyed
// by message type, built once at startup. The dispatcher routes request
// envelopes to handlers on a bounded worker pool so a slow handler never
// stalls the transport poll loop; requests that share a correlation id run
// in arrival order.

package dispatch
