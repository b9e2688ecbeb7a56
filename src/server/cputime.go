package server

import "time"

var processStart = time.Now()

// wallClock 不支持线程 CPU 计时时退化为单调时钟
func wallClock() time.Duration {
	return time.Since(processStart)
}
