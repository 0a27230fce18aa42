//go:build !windows

package trackersvc

import (
	"fmt"
	"net"
)

func listenPipe(addr string) (net.Listener, error) {
	return nil, fmt.Errorf("trackersvc: named pipes are supported only on Windows (requested %s)", addr)
}
