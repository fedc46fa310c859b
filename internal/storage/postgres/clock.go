package postgres

import "time"

// nowEpoch is swapped out in tests.
var nowEpoch = func() int64 {
	return time.Now().Unix()
}
