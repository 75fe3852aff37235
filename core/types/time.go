package types

import "time"

func secondsToTime(sec uint32) time.Time {
	return time.Unix(int64(sec), 0)
}
