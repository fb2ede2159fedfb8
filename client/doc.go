// Package client
// Author: momentics <momentics@gmail.com>
//
// Front-end side of the bridge. A Client runs one Exchange per request over
// an exclusively held pooled connection; Call drives an exchange to its
// terminal message. ShmDialer connects to a server in another process.
package client
