package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/logger"
	"github.com/covoit-next/internal/provider"
	"github.com/covoit-next/internal/router"
	"github.com/covoit-next/internal/worker"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// BuildRunner 按启动模式组装 HTTP 与 worker 服务
func BuildRunner(cfg *config.Config, mode string, nrApp *newrelic.Application) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	container := provider.NewContainer(cfg, nrApp)

	var services []Service
	if mode == ModeAll || mode == ModeAPI {
		engine := router.SetupRouter(cfg, container)
		services = append(services, NewHTTPService(listenAddr(cfg), engine))
	}

	if mode == ModeAll || mode == ModeWorker {
		consumer := worker.NewConsumer(container)
		workerService, err := worker.NewService(&cfg.Queue, &cfg.Reconciliation, consumer)
		if err != nil {
			// api 与 worker 同进程时，队列和对账都关闭只影响后台任务
			if mode == ModeWorker {
				return nil, err
			}
			logger.Warnw("worker_service_skipped", "error", err)
		} else {
			services = append(services, workerService)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("no services initialized (check mode and config)")
	}
	return NewRunner(services...), nil
}

// NewNewRelicApp 按配置创建 APM 应用；未启用时返回 nil
func NewNewRelicApp(cfg config.NewRelicConfig) (*newrelic.Application, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.LicenseKey) == "" {
		return nil, errors.New("newrelic license key is required when enabled")
	}
	return newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	nrApp, err := NewNewRelicApp(opts.Config.NewRelic)
	if err != nil {
		return err
	}
	if nrApp != nil {
		defer nrApp.Shutdown(opts.ShutdownTimeout)
	}

	runner, err := BuildRunner(opts.Config, opts.Mode, nrApp)
	if err != nil {
		return err
	}

	opts.Logger.Infow("app_start", "addr", listenAddr(opts.Config), "mode", opts.Mode, "apm", nrApp != nil)
	return RunWithOptions(runner, opts)
}

func listenAddr(cfg *config.Config) string {
	return cfg.Server.Host + ":" + cfg.Server.Port
}
