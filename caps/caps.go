// Package caps answers the single question the whiteout encoder and the
// filesystem writer need before construction: which privileged operations
// can this process perform. The probe runs once; nothing re-queries per
// operation.
package caps

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Set is the capability set of the current process.
type Set struct {
	// Mknod is true when the process can create device nodes.
	Mknod bool
	// Chown is true when the process can change file ownership.
	Chown bool
	// TrustedXattr is true when the process can set trusted.* extended
	// attributes (needed for native overlay opaque markers).
	TrustedXattr bool
}

func (s Set) String() string {
	return fmt.Sprintf("mknod=%t chown=%t trusted-xattr=%t", s.Mknod, s.Chown, s.TrustedXattr)
}

// Detect probes the process capabilities by attempting each privileged
// operation in a scratch directory. Probe failures degrade the capability,
// never the caller.
func Detect() Set {
	var s Set

	scratch, err := os.MkdirTemp("", "uniondiff-caps")
	if err != nil {
		logrus.WithError(err).Debug("capability probe skipped, no scratch dir")
		return s
	}
	defer os.RemoveAll(scratch)

	node := filepath.Join(scratch, "probe-node")
	if err := unix.Mknod(node, unix.S_IFCHR|0o444, int(unix.Mkdev(0, 0))); err == nil {
		s.Mknod = true
		os.Remove(node)
	}

	probe := filepath.Join(scratch, "probe-file")
	if err := os.WriteFile(probe, nil, 0o600); err == nil {
		if err := os.Lchown(probe, os.Getuid(), os.Getgid()); err == nil {
			// Changing ownership to an arbitrary uid is the real
			// test; chown-to-self succeeds for everyone.
			s.Chown = os.Geteuid() == 0
		}
		if err := unix.Setxattr(probe, "trusted.uniondiff.probe", []byte("1"), 0); err == nil {
			s.TrustedXattr = true
		}
	}

	logrus.WithField("caps", s.String()).Debug("detected process capabilities")
	return s
}
