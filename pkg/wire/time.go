package wire

import "time"

func unixNano(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
