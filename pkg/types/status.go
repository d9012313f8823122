package types

import (
	"time"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
)

// PollerStatus summarizes the sensor poller.
type PollerStatus struct {
	Interval    string `json:"interval"`
	Running     bool   `json:"running"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	RecentTicks int    `json:"recentTicks"`
	// TickTimes holds the successful polls of the last minute, newest first.
	TickTimes      []time.Time   `json:"tickTimes,omitempty"`
	LastRecord     *WeightRecord `json:"lastRecord,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	LastErrorAt    time.Time     `json:"lastErrorAt,omitempty"`
	NextScheduleAt time.Time     `json:"nextScheduleAt,omitempty"`
}

// QueueStatus summarizes the durable write queue.
type QueueStatus struct {
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Status is the combined daemon status.
type Status struct {
	Device      string             `json:"device"`
	Calibration calibration.Status `json:"calibration"`
	Poller      PollerStatus       `json:"poller"`
	Queue       QueueStatus        `json:"queue"`
}
