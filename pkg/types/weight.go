package types

import "time"

// Reading is one calibrated measurement taken by the scale.
// This struct is shared between the daemon and client packages.
type Reading struct {
	Weight    float64   `json:"weight"`
	Raw       int64     `json:"raw"`
	Samples   int       `json:"samples"`
	Timestamp time.Time `json:"timestamp"`
}

// WeightRecord is the row produced by the poller for the Weights table.
// It is immutable once created.
type WeightRecord struct {
	// Timestamp is the wall-clock time of the reading in unix nanoseconds.
	Timestamp int64   `json:"timestamp"`
	Weight    float64 `json:"weight"`
	// Samples is the number of raw samples the median was taken over.
	Samples int `json:"samples"`
}

// NewWeightRecord converts a reading into a record.
func NewWeightRecord(r Reading) WeightRecord {
	return WeightRecord{
		Timestamp: r.Timestamp.UnixNano(),
		Weight:    r.Weight,
		Samples:   r.Samples,
	}
}

// StoredWeight is a row read back from the Weights table.
type StoredWeight struct {
	ID          int64     `json:"id"`
	CreatedDate int64     `json:"createdDate"`
	Time        time.Time `json:"time"`
	Weight      float64   `json:"weight"`
	Samples     int       `json:"samples"`
}

// RangeQuery is the body of a historical query.
type RangeQuery struct {
	TimeStart time.Time `json:"timestart"`
	TimeEnd   time.Time `json:"timeend"`
	// Consistent routes the query through the write queue so it observes
	// every write enqueued before it.
	Consistent bool `json:"consistent,omitempty"`
}

// RangeResult is the response of a historical query.
type RangeResult struct {
	Weights []StoredWeight `json:"weights"`
}
