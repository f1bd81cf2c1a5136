package task

import "golang.org/x/sys/unix"

// aarch64 has no open(2); openat(AT_FDCWD, ...) is equivalent.
func openSyscall(pathAddr uint64, flags int, mode uint32) (uint64, [6]uint64) {
	return unix.SYS_OPENAT, [6]uint64{
		uint64(int64(unix.AT_FDCWD)), pathAddr, uint64(flags), uint64(mode),
	}
}
