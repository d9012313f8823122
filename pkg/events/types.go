package events

import "encoding/json"

// Event name constants
const (
	WeightSample       = "weight.sample"
	CalibrationChanged = "calibration.changed"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// WeightSampleEvent is the typed payload for weight.sample.
type WeightSampleEvent struct {
	Weight  float64 `json:"weight"`
	Samples int     `json:"samples"`
	Ts      int64   `json:"ts"`
}

// CalibrationChangedEvent is the typed payload for calibration.changed.
type CalibrationChangedEvent struct {
	Gain          int     `json:"gain"`
	Offset        int64   `json:"offset"`
	ReferenceUnit float64 `json:"referenceUnit"`
	Ts            int64   `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.WeightSampleEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Weight)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
