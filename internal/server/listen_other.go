//go:build !unix

package server

import "syscall"

func reuseAddrControl(network, address string, conn syscall.RawConn) error {
	return nil
}
