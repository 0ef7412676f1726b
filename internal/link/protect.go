package link

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// RelayMark is the SO_MARK value applied to the relay channel's socket.
// This package only sets the mark: it installs no routing rule keyed on
// it, so the default route that Open adds still applies to marked
// sockets.
const RelayMark = 0x2a7

// Protect marks rc's underlying socket with RelayMark. Call it from a
// net.Dialer.Control callback when dialing the relay channel.
func Protect(_ string, _ string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, RelayMark)
	})
	if err != nil {
		return fmt.Errorf("link: protect: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("link: protect: setsockopt SO_MARK: %w", sockErr)
	}
	return nil
}

// ProtectedDialer returns a net.Dialer whose outbound sockets are
// marked via Protect, suitable for passing into a websocket.Dialer's
// NetDialContext for the relay channel's own connection.
func ProtectedDialer() *net.Dialer {
	return &net.Dialer{Control: Protect}
}
