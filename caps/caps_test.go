package caps

import (
	"os"
	"testing"
)

func TestDetect(t *testing.T) {
	s := Detect()
	// The probe must never report privileges an unprivileged process
	// lacks; the positive direction depends on the environment.
	if os.Geteuid() != 0 {
		if s.Mknod || s.Chown || s.TrustedXattr {
			t.Errorf("unprivileged process reported %s", s)
		}
	}
	// Probing twice is stable.
	if again := Detect(); again != s {
		t.Errorf("repeated probe disagreed: %s then %s", s, again)
	}
}

func TestSetString(t *testing.T) {
	s := Set{Mknod: true}
	if got := s.String(); got != "mknod=true chown=false trusted-xattr=false" {
		t.Errorf("String() = %q", got)
	}
}
