package client

import (
	"encoding/json"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/config"
	"github.com/weight-tracker/weight-tracker/pkg/types"
)

func decode[T any](ret string, what string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal %s", what)
	}
	return &v, nil
}

func (c *Client) GetWeight() (*types.Reading, error) {
	ret, err := c.Get("/")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get weight")
	}
	return decode[types.Reading](ret, "weight")
}

// QueryWeights returns the stored weights between q.TimeStart and
// q.TimeEnd. A zero TimeEnd means now.
func (c *Client) QueryWeights(q types.RangeQuery) (*types.RangeResult, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	ret, err := c.Post("/", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to query weights")
	}
	return decode[types.RangeResult](ret, "weights")
}

func (c *Client) GetTare() (*types.TareResult, error) {
	ret, err := c.Get("/tare")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get tare offset")
	}
	return decode[types.TareResult](ret, "tare offset")
}

// Tare zeroes the scale using a fresh reading. The scale must be empty.
func (c *Client) Tare() (*types.TareResult, error) {
	ret, err := c.Put("/tare", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to tare")
	}
	return decode[types.TareResult](ret, "tare offset")
}

// TareManual sets the tare offset, in raw counts, to offset.
func (c *Client) TareManual(offset float64) (*types.TareResult, error) {
	payload, err := json.Marshal(types.TareRequest{Offset: &offset})
	if err != nil {
		return nil, err
	}
	ret, err := c.Patch("/tare", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set tare offset")
	}
	return decode[types.TareResult](ret, "tare offset")
}

func (c *Client) GetCalibration() (*calibration.State, error) {
	ret, err := c.Get("/calibrate")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration")
	}
	return decode[calibration.State](ret, "calibration")
}

// Calibrate computes the reference unit from knownWeight currently on the
// scale.
func (c *Client) Calibrate(knownWeight float64) (*types.CalibrateResult, error) {
	payload, err := json.Marshal(types.CalibrateRequest{KnownWeight: knownWeight})
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/calibrate", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to calibrate with %s", strconv.FormatFloat(knownWeight, 'f', -1, 64))
	}
	return decode[types.CalibrateResult](ret, "calibration result")
}

func (c *Client) Reset() (*calibration.State, error) {
	ret, err := c.Get("/reset")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to reset calibration")
	}
	return decode[calibration.State](ret, "calibration")
}

func (c *Client) Save() (*calibration.State, error) {
	ret, err := c.Get("/save")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to save calibration")
	}
	return decode[calibration.State](ret, "calibration")
}

func (c *Client) Restore() (*calibration.State, error) {
	ret, err := c.Get("/restore")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to restore calibration")
	}
	return decode[calibration.State](ret, "calibration")
}

func (c *Client) GetStatus() (*types.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}
	return decode[types.Status](ret, "status")
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	return decode[config.RawFileConfig](ret, "config")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}
