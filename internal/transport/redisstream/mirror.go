package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/banshee-data/motion.report/internal/calibration"
)

// DefaultCalibrationStream receives mirrored calibration history.
const DefaultCalibrationStream = "motion:calibrations"

// CalibrationMirror appends calibration history entries to a stream so
// other services can follow sensor calibration.
type CalibrationMirror struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

// NewCalibrationMirror returns a mirror writing to stream, or to
// DefaultCalibrationStream when stream is empty.
func NewCalibrationMirror(rdb redis.UniversalClient, stream string) *CalibrationMirror {
	if stream == "" {
		stream = DefaultCalibrationStream
	}
	return &CalibrationMirror{rdb: rdb, stream: stream, maxLen: DefaultMaxLen}
}

func (m *CalibrationMirror) RecordCalibration(ctx context.Context, e calibration.HistoryEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{"sensor_id": e.SensorID, "entry": b},
	}).Err()
	if err != nil {
		return fmt.Errorf("mirror calibration: %w", err)
	}
	return nil
}
