// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives behind the dispatcher and the poll loops: a bounded
// executor on a lock-free MPMC queue, the spin, yield and sleep idle backoff,
// and CPU pinning for busy-polling threads.
package concurrency
