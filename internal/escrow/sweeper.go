package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/pkg/logger"
)

// Sweeper 周期性执行托管超时检查。调度表达式支持标准 cron 语法与
// @every 描述符。
type Sweeper struct {
	manager *Manager
	cron    *cron.Cron
	spec    string
}

// NewSweeper 创建超时扫描器。
func NewSweeper(manager *Manager, spec string) *Sweeper {
	if spec == "" {
		spec = "@every 30s"
	}
	return &Sweeper{
		manager: manager,
		cron:    cron.New(),
		spec:    spec,
	}
}

// Start 注册任务并启动调度。ctx 取消后任务不再发起新的扫描。
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if ctx.Err() != nil {
			return
		}
		expired, sweepErr := s.manager.ExpireCheck(ctx, time.Now())
		if sweepErr != nil {
			logger.L().Error("托管超时扫描失败", slog.Any("error", sweepErr))
			return
		}
		if expired > 0 {
			logger.L().Info("托管超时扫描完成", slog.Int("expired", expired))
		}
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "超时扫描调度注册失败")
	}
	s.cron.Start()
	return nil
}

// Stop 停止调度并等待在途任务结束。
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
