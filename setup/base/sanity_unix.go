//go:build linux || darwin || netbsd || freebsd || openbsd || solaris || dragonfly || aix
// +build linux darwin netbsd freebsd openbsd solaris dragonfly aix

package base

import (
	"syscall"

	"github.com/sirupsen/logrus"
)

// PlatformSanityChecks warns when the file descriptor limit is low. Each
// database connection and each outbound push holds a descriptor.
func PlatformSanityChecks() {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil && rLimit.Cur < 4096 {
		logrus.Warnf("Process file descriptor limit is currently %d, it is recommended to raise the limit to at least 4096", rLimit.Cur)
	}
}
