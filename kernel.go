package elfview

import (
	"fmt"

	"github.com/blang/semver"
	"golang.org/x/sys/unix"
)

// The remote-syscall splice assumes the ptrace and /proc/<pid>/mem
// semantics settled in 3.4; refuse to poke targets on anything older.
var minKernel = semver.MustParse("3.4.0")

func parseRelease(release string) (semver.Version, error) {
	// "5.10.0-8-amd64" and friends: cut at the first character that is
	// neither a digit nor a dot, then parse leniently
	end := len(release)
	for i, c := range release {
		if (c < '0' || c > '9') && c != '.' {
			end = i
			break
		}
	}
	return semver.ParseTolerant(release[:end])
}

// KernelVersion returns the running kernel's version.
func KernelVersion() (semver.Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return semver.Version{}, err
	}
	return parseRelease(unix.ByteSliceToString(uts.Release[:]))
}

// CheckKernel fails when the running kernel is too old for the
// remote-syscall machinery.
func CheckKernel() error {
	v, err := KernelVersion()
	if err != nil {
		return err
	}
	if v.LT(minKernel) {
		return fmt.Errorf("kernel %s is older than the minimum %s", v, minKernel)
	}
	return nil
}
