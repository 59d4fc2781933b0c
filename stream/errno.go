package stream

import "golang.org/x/sys/unix"

// errEAGAIN lets isAgain recognize a bare syscall.Errno from RawRead/RawWrite
// in addition to isAgain's net.Error-style Temporary() check
// (socket_stream.go), since
// evdsocket.Socket.RawRead/RawWrite return unix.Errno directly rather than a
// wrapped net.OpError.
var errEAGAIN = unix.EAGAIN
