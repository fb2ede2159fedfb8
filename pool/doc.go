// Package pool
// Author: momentics <momentics@gmail.com>
//
// Connections and the connection pool. A Connection is a request ring and a
// response ring plus liveness state; the pool creates connections through a
// Dialer, hands them out exclusively, probes idle ones and evicts the dead.
package pool
