package testutil

import (
	"fmt"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// ErrUnavailable is a generic upstream failure for scripted fakes.
var ErrUnavailable = errs.Upstream(errs.ErrRegistryUnavailable, "testutil", "fake", "call")

func errNotRegistered(oid string) error {
	return fmt.Errorf("%w: %s", errs.ErrObjectNotFound, oid)
}
