// This file provides a stub kernel bridge for platforms without kqueue. The
// engine targets exactly one kernel change-notification primitive; on other
// platforms constructing a Watcher fails cleanly instead of degrading to a
// polling emulation.
//
//go:build !darwin

package watch

import "errors"

// ErrUnsupported is returned by New on platforms without a kqueue facility.
var ErrUnsupported = errors.New("watch: kqueue is not available on this platform")

func newPlatformBridge() (kernelBridge, error) {
	return nil, ErrUnsupported
}
