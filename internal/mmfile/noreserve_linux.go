//go:build linux

package mmfile

import "golang.org/x/sys/unix"

const mapNoReserve = unix.MAP_NORESERVE
