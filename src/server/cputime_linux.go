//go:build linux

package server

import (
	"time"

	"golang.org/x/sys/unix"
)

// threadCPU 返回当前 OS 线程累计的用户态与内核态 CPU 时间。
// 调用方需先 runtime.LockOSThread。
func threadCPU() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return wallClock()
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
