//go:build unix && !linux

package mmfile

const mapNoReserve = 0
