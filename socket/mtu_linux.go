//go:build linux

package socket

import "syscall"

func getMTU(fd uintptr) (int, error) {
	return syscall.GetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MTU)
}
