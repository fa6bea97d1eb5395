package engine

import "time"

// unixNow is the default Clock: wall-clock unix seconds.
func unixNow() int64 {
	return time.Now().Unix()
}
