//go:build !unix

package wifidirect

import "syscall"

// The Go runtime already enables SO_BROADCAST on datagram sockets here.
func enableBroadcast(_, _ string, _ syscall.RawConn) error { return nil }
