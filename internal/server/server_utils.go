package server

import (
	"errors"
	"net"

	"github.com/arrudagates/ponder/internal/logger"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func closeConn(conn net.Conn, connID string) {
	if err := conn.Close(); err != nil && !isNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", connID, err)
	}
}
