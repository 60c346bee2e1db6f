//go:build linux

package supervisor

import (
	"fmt"
	"os/user"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DropPrivileges transitions a root-started daemon to runAsUser while
// keeping the minimal capability set {setuid, kill, sys_nice}, so it can
// still re-credential, signal, and re-nice arbitrary children. The
// returned code is the process exit code to use when err is non-nil.
func DropPrivileges(log *zap.SugaredLogger, runAsUser string) (int, error) {
	u, err := user.Lookup(runAsUser)
	if err != nil {
		return ExitUnknownUser, fmt.Errorf("user %s not found", runAsUser)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return ExitUnknownUser, fmt.Errorf("user %s has non-numeric uid %q", runAsUser, u.Uid)
	}
	if uid == 0 {
		return ExitUserRequired, fmt.Errorf("-user must name a non-root user")
	}

	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return ExitKeepcaps, fmt.Errorf("prctl to keep capabilities: %w", err)
	}

	// Real uid stays, effective becomes the target, saved stays root so
	// child spawns can still setuid.
	if err := unix.Setresuid(-1, uid, 0); err != nil {
		return ExitSetuid, fmt.Errorf("setresuid to %d: %w", uid, err)
	}
	if unix.Geteuid() == 0 {
		return ExitResidualRoot, fmt.Errorf("effective uid is still 0 after switching to %s", runAsUser)
	}

	caps := uint32(1<<unix.CAP_SETUID | 1<<unix.CAP_KILL | 1<<unix.CAP_SYS_NICE)
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{{Permitted: caps, Effective: caps}}
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return ExitCapApply, fmt.Errorf("setting cap_setuid, cap_kill, cap_sys_nice: %w", err)
	}

	log.Debugf("running as %s (euid=%d)", u.Username, unix.Geteuid())
	return ExitClean, nil
}
