package logutil

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// CheckWithMessage logs err with the caller's stack through logger and exits. Nil errors are ignored.
func CheckWithMessage(logger *log.Logger, err error, message string) {
	if err != nil {
		stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
		logger.Fatal().Err(err).Str("stack", stack).Msg(message)
	}
}
