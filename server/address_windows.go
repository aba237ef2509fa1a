package server

import (
	"errors"
	"syscall"
)

// WSAEADDRINUSE
const errWSAAddrInUse = syscall.Errno(10048)

func isAddrInUse(err error) bool {
	return errors.Is(err, errWSAAddrInUse) || errors.Is(err, syscall.EADDRINUSE)
}
