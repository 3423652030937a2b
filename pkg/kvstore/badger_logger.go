package kvstore

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

// badgerLogAdapter forwards badger's warnings and errors to the
// application logger and drops its routine info/debug chatter.
type badgerLogAdapter struct{}

func newBadgerLogAdapter() badger.Logger {
	return badgerLogAdapter{}
}

func (badgerLogAdapter) Errorf(format string, args ...interface{}) {
	logger.Error("Store engine error", nil, "detail", badgerMessage(format, args...))
}

func (badgerLogAdapter) Warningf(format string, args ...interface{}) {
	logger.Warn("Store engine warning", "detail", badgerMessage(format, args...))
}

// Badger reports compactions and value log activity at these levels.
func (badgerLogAdapter) Infof(string, ...interface{})  {}
func (badgerLogAdapter) Debugf(string, ...interface{}) {}

// badgerMessage renders one badger log line; badger terminates its
// lines itself, so the trailing newline is stripped.
func badgerMessage(format string, args ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
