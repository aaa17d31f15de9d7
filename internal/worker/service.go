package worker

import (
	"context"
	"errors"
	"time"

	"github.com/covoit-next/internal/config"
	"github.com/covoit-next/internal/queue"

	"github.com/hibiken/asynq"
)

const defaultSweepInterval = time.Minute

// Service 异步队列与定时对账服务
type Service struct {
	name          string
	server        *asynq.Server
	mux           *asynq.ServeMux
	consumer      *Consumer
	sweepEnabled  bool
	sweepInterval time.Duration
}

// NewService 创建 worker 服务；队列关闭时仅运行定时对账
func NewService(queueCfg *config.QueueConfig, reconCfg *config.ReconciliationConfig, consumer *Consumer) (*Service, error) {
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	queueEnabled := queueCfg != nil && queueCfg.Enabled
	sweepEnabled := reconCfg != nil && reconCfg.Enabled
	if !queueEnabled && !sweepEnabled {
		return nil, errors.New("queue and reconciliation both disabled")
	}
	s := &Service{
		name:          "worker",
		consumer:      consumer,
		sweepEnabled:  sweepEnabled,
		sweepInterval: defaultSweepInterval,
	}
	if reconCfg != nil && reconCfg.IntervalSeconds > 0 {
		s.sweepInterval = time.Duration(reconCfg.IntervalSeconds) * time.Second
	}
	if queueEnabled {
		opt, serverCfg := queue.BuildServerConfig(queueCfg)
		s.server = asynq.NewServer(opt, serverCfg)
		s.mux = asynq.NewServeMux()
		consumer.Register(s.mux)
	}
	return s, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// Start 启动服务
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.consumer == nil {
		return errors.New("worker not initialized")
	}
	if s.sweepEnabled {
		go s.runSweepLoop(ctx)
	}
	if s.server == nil {
		<-ctx.Done()
		return nil
	}
	return s.server.Run(s.mux)
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	_ = ctx
	s.server.Shutdown()
	return nil
}

func (s *Service) runSweepLoop(ctx context.Context) {
	runOnce := func() {
		_, _ = s.consumer.RunSweep(ctx, "ticker")
	}
	runOnce()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
