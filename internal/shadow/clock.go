package shadow

import "time"

func wallClockNow() int64 { return time.Now().Unix() }
