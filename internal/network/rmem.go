package network

import (
	"log"
	"strconv"
	"strings"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

const rmemMaxKey = "net.core.rmem_max"

// sysctlGet is replaced in tests.
var sysctlGet = sysctl.Get

// ReceiveBufferCeiling returns the kernel's maximum socket receive buffer.
// ok is false where the value cannot be read, such as on non-Linux hosts.
func ReceiveBufferCeiling() (int, bool) {
	v, err := sysctlGet(rmemMaxKey)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// CheckReceiveBuffer warns when the kernel silently caps a requested
// receive buffer size.
func CheckReceiveBuffer(requested int) bool {
	ceiling, ok := ReceiveBufferCeiling()
	if !ok {
		return true
	}
	if ceiling < requested {
		log.Printf("Warning: %s is %d, below the requested receive buffer of %d bytes; raise it with sysctl -w %s=%d",
			rmemMaxKey, ceiling, requested, rmemMaxKey, requested)
		return false
	}
	return true
}
