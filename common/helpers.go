package common

import (
	"io"

	"github.com/yral-dapp/postcache/log"
)

// CloseOrLog closes c and logs a failure.
func CloseOrLog(c io.Closer, logger *log.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("error closing", "closer", c, "err", err)
	}
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}
