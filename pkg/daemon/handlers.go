package daemon

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/queue"
	"github.com/weight-tracker/weight-tracker/pkg/scale"
	"github.com/weight-tracker/weight-tracker/pkg/storage"
	"github.com/weight-tracker/weight-tracker/pkg/types"
	"github.com/weight-tracker/weight-tracker/pkg/version"
)

// statusFor maps an error from the scale or the write queue to an HTTP
// status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scale.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, scale.ErrSensorRead),
		errors.Is(err, scale.ErrNotInitialized),
		errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, status int, err error) {
	c.IndentedJSON(status, err.Error())
	_ = c.AbortWithError(status, err)
}

func (a *App) getWeight(c *gin.Context) {
	r, err := a.device.Weight()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, r)
}

func (a *App) queryWeights(c *gin.Context) {
	var q types.RangeQuery
	if err := c.BindJSON(&q); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	if q.TimeStart.IsZero() {
		abort(c, http.StatusBadRequest, errors.New("timestart is required"))
		return
	}
	if q.TimeEnd.IsZero() {
		q.TimeEnd = time.Now()
	}
	if q.TimeEnd.Before(q.TimeStart) {
		abort(c, http.StatusBadRequest, pkgerrors.Errorf("timeend %s is before timestart %s",
			q.TimeEnd.Format(time.RFC3339), q.TimeStart.Format(time.RFC3339)))
		return
	}

	var (
		weights []types.StoredWeight
		err     error
	)
	if q.Consistent {
		var res queue.Result
		res, err = a.queue.Do(c.Request.Context(), storage.RangeTask(q.TimeStart, q.TimeEnd))
		if err == nil {
			weights, err = storage.WeightsFromResult(res)
		}
	} else {
		weights, err = a.db.WeightsBetween(c.Request.Context(), q.TimeStart, q.TimeEnd)
	}
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}

	c.IndentedJSON(http.StatusOK, types.RangeResult{Weights: weights})
}

func (a *App) getTare(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, types.TareResult{Offset: a.device.State().Offset})
}

func (a *App) tare(c *gin.Context) {
	res, err := a.device.Tare(nil)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, res)
}

func (a *App) tareManual(c *gin.Context) {
	var req types.TareRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if req.Offset == nil {
		abort(c, http.StatusBadRequest, errors.New("offset is required"))
		return
	}

	res, err := a.device.Tare(req.Offset)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, res)
}

func (a *App) getCalibration(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, a.device.State())
}

func (a *App) calibrate(c *gin.Context) {
	var req types.CalibrateRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	res, err := a.device.Calibrate(req.KnownWeight)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusCreated, res)
}

func (a *App) reset(c *gin.Context) {
	st, err := a.device.Reset()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (a *App) save(c *gin.Context) {
	st, err := a.device.Save()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (a *App) restore(c *gin.Context) {
	st, err := a.device.Restore()
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

func (a *App) getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, a.Status())
}

func (a *App) getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, a.conf.Effective())
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

// streamEvents sends hub events as server-sent events until the client goes
// away or the hub is closed.
func (a *App) streamEvents(c *gin.Context) {
	ch := a.hub.Subscribe()
	defer a.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	logrus.WithField("subscribers", a.hub.Subscribers()).Debug("event stream opened")

	c.Stream(func(io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
