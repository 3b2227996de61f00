//go:build !unix

package fog

import "syscall"

func reusePort(_, _ string, _ syscall.RawConn) error {
	return nil
}
