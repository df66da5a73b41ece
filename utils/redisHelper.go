package utils

import (
	"context"
	"sync"

	"bitbucket.org/mmdatafocus/billing_backend/config"
)

var mutex sync.Mutex

// GetSequence hands out the next document sequence number for model T.
// The counter lives in redis; when redis starts fresh it is re-seeded from
// MAX(sequence_no) in the table so numbering never goes backwards.
func GetSequence[T any](ctx context.Context) (int64, error) {
	var model T
	mutex.Lock()
	defer mutex.Unlock()

	cacheKey := GetTypeName[T]() + "_seq"
	var seqNo int64
	var err error
	db := config.GetDB()

	for {
		seqNo, err = config.GetRedisCounter(ctx, cacheKey)
		if err != nil {
			return 0, err
		}
		// if not found in redis, get from db
		if seqNo == 1 {
			// get max seq no from db
			var dbSeq *int64
			if err := db.WithContext(ctx).Model(&model).Select("max(sequence_no)").
				Scan(&dbSeq).Error; err != nil {
				return 0, err
			}
			// in case db has no records yet
			if dbSeq == nil {
				seqNo = 0
			} else {
				seqNo = *dbSeq
			}
			seqNo++
			if err := config.SetRedisObject(cacheKey, &seqNo, 0); err != nil {
				return 0, err
			}
		}
		if seqNo > 0 {
			return seqNo, nil
		}
	}
}
