//go:build !linux

package server

import "time"

func threadCPU() time.Duration {
	return wallClock()
}
