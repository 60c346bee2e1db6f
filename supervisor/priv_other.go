//go:build !linux

package supervisor

import (
	"fmt"
	"os/user"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DropPrivileges on platforms without capability editing: switch the
// effective uid and verify root is gone. Spawning children as other users
// is then up to the kernel's saved-uid rules.
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

	if err := unix.Setreuid(-1, uid); err != nil {
		return ExitSetuid, fmt.Errorf("setreuid to %d: %w", uid, err)
	}
	if unix.Geteuid() == 0 {
		return ExitResidualRoot, fmt.Errorf("effective uid is still 0 after switching to %s", runAsUser)
	}

	log.Debugf("running as %s (euid=%d)", u.Username, unix.Geteuid())
	return ExitClean, nil
}
