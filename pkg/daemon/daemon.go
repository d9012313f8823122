package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/config"
)

const shutdownTimeout = 5 * time.Second

func setupRoutes(a *App) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))

	g := router.Group(a.conf.RoutePrefix())
	g.GET("/", a.getWeight)
	g.POST("/", a.queryWeights)
	g.GET("/tare", a.getTare)
	g.PUT("/tare", a.tare)
	g.PATCH("/tare", a.tareManual)
	g.GET("/calibrate", a.getCalibration)
	g.PUT("/calibrate", a.calibrate)
	g.GET("/reset", a.reset)
	g.GET("/save", a.save)
	g.GET("/restore", a.restore)
	g.GET("/status", a.getStatus)
	g.GET("/config", a.getConfig)
	g.GET("/version", getVersion)
	g.GET("/events", a.streamEvents)
	g.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	return router
}

// Handler returns the HTTP handler serving every route of a.
func (a *App) Handler() http.Handler {
	return setupRoutes(a)
}

// listen opens addr. An address containing a slash is a unix socket path.
func listen(addr string) (net.Listener, error) {
	if !strings.Contains(addr, "/") {
		return net.Listen("tcp", addr)
	}

	if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
		return nil, pkgerrors.Wrapf(err, "failed to remove stale socket %s", addr)
	}
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr, 0o660); err != nil {
		_ = l.Close()
		return nil, pkgerrors.Wrapf(err, "failed to change permissions of %s", addr)
	}
	return l, nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM. addr overrides
// the listen address from the config when set.
func Run(configPath string, addr string) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to parse config during startup")
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	app, err := New(conf, Options{})
	if err != nil {
		return err
	}

	if addr == "" {
		addr = conf.Listen()
	}
	l, err := listen(addr)
	if err != nil {
		shutdownApp(app)
		return err
	}

	srv := &http.Server{
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	app.Start()

	reload := func() {
		if err := app.Reload(); err != nil {
			logrus.Errorf("failed to reload config: %v", err)
		}
	}

	// Receive SIGHUP to reload config
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			reload()
		}
	}()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := config.Watch(watchCtx, conf.Path(), reload); err != nil {
		logrus.WithError(err).Warn("config changes need SIGHUP to apply")
	}

	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case err = <-serveErr:
		logrus.Errorf("http server failed: %v", err)
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	shutdownApp(app)

	logrus.Info("exiting")
	return err
}

func shutdownApp(app *App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(ctx); err != nil {
		logrus.Errorf("unclean shutdown: %v", err)
	}
}
