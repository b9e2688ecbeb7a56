// Package web 提供只读的 HTTP 状态接口：设备在线状态、会话实时统计与 Prometheus 指标
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nhirsama/Goster-Telemetry/src/inter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

type webServer struct {
	addr     string
	devices  inter.DeviceTable
	metrics  inter.SummarySource
	gatherer prometheus.Gatherer
	now      func() time.Time
}

// NewWebServer 创建状态服务；gatherer 为 nil 时使用默认 registry
func NewWebServer(addr string, devices inter.DeviceTable, metrics inter.SummarySource, gatherer prometheus.Gatherer) inter.StatusApi {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &webServer{
		addr:     addr,
		devices:  devices,
		metrics:  metrics,
		gatherer: gatherer,
		now:      time.Now,
	}
}

// Handler 注册所有的 HTTP 路由
func (ws *webServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(ws.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", ws.deviceListHandler)
		r.Get("/devices/{id}", ws.deviceHandler)
		r.Get("/summary", ws.summaryHandler)
	})
	return r
}

// Run 启动 HTTP 服务，ctx 取消时优雅关闭
func (ws *webServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ws.addr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.WithField("addr", ws.addr).Info("正在启动状态服务 (HTTP)")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "status server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "status server shutdown failed")
	}
	return nil
}
