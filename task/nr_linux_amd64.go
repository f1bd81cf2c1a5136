package task

import "golang.org/x/sys/unix"

// open(2) exists on x86-64.
func openSyscall(pathAddr uint64, flags int, mode uint32) (uint64, [6]uint64) {
	return unix.SYS_OPEN, [6]uint64{pathAddr, uint64(flags), uint64(mode)}
}
