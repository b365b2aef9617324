// Package zlog is the repo-wide structured logger. The teacher reaches
// for bare fmt/log; the wider example pack settles on logrus for this
// exact class of low-level systems code (dsmmcken-dh-cli's VM/uffd
// layer logs through "log \"github.com/sirupsen/logrus\""), so that is
// what every package here imports instead of rolling its own.
package zlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts verbosity; callers pass "debug", "info", "warn", etc.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		base.Warnf("zlog: unknown level %q, keeping %s", level, base.GetLevel())
		return
	}
	base.SetLevel(lvl)
}

// For returns a logger tagged with the owning subsystem, e.g.
// zlog.For("scheduler") or zlog.For("allocator").
func For(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}
