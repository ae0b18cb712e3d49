package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

// PickFirstToken returns the first comma-separated token of a header
// value such as Sec-WebSocket-Protocol, trimmed of surrounding space.
func PickFirstToken(v string) string {
	parts := strings.Split(v, ",")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[0])
}

// IsNetClose reports whether err represents the peer (or the local side)
// closing the underlying connection, as opposed to a genuine protocol or
// I/O failure: a clean EOF, a cancelled context, a non-temporary net.Error,
// or one of the common "use of closed network connection"-style messages
// the standard library doesn't expose as a typed sentinel.
func IsNetClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && !ne.Temporary() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "closed") || strings.Contains(s, "EOF") || strings.Contains(s, "canceled")
}
