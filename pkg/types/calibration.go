package types

// TareRequest is the body of a manual tare.
type TareRequest struct {
	Offset *float64 `json:"offset"`
}

// TareResult reports the offset in effect after a tare.
type TareResult struct {
	Offset int64 `json:"tared-weight"`
}

// CalibrateRequest is the body of a calibration.
type CalibrateRequest struct {
	KnownWeight float64 `json:"known_weight"`
}

// CalibrateResult reports the outcome of a calibration.
type CalibrateResult struct {
	KnownWeight   float64 `json:"calibration-weight"`
	RawReading    int64   `json:"uncalibrated-weight"`
	Weight        float64 `json:"calibrated-weight"`
	ReferenceUnit float64 `json:"ratio"`
}
