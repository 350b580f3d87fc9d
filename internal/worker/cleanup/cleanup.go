// Package cleanup は放置された登録手続きの自動削除ジョブを提供する。
// !reg の後に !auth が行われないまま有効期間（デフォルト24時間）を超過した
// 登録途中の状態を日次バッチで削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/tootfeed/internal/model"
)

// DefaultSchedule はジョブの実行スケジュール（毎日0時）。
const DefaultSchedule = "@daily"

// RegistrationStore は登録途中の状態の列挙と削除を抽象化するインターフェース。
type RegistrationStore interface {
	AllOngoingRegistrations(ctx context.Context) []*model.OngoingRegistration
	DeleteOngoingRegistration(ctx context.Context, roomID model.RoomID) error
}

// CleanupJob は有効期間を超過した登録途中の状態の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	store    RegistrationStore
	logger   *slog.Logger
	now      func() time.Time
	TTL      time.Duration // 登録途中の状態の有効期間（デフォルト: 24時間）
	Schedule string        // cronの実行スケジュール（デフォルト: @daily）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの有効期間は24時間。
func NewCleanupJob(store RegistrationStore, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:    store,
		logger:   logger,
		now:      time.Now,
		TTL:      24 * time.Hour,
		Schedule: DefaultSchedule,
	}
}

// Run は有効期間を超過した登録途中の状態を削除する。
// CreatedAtを持たない旧形式のレコードは削除しない。
// 冪等: 削除対象がない場合でもエラーにならない。
// 個別の削除に失敗しても残りの削除は続行し、最後にまとめてエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	var deleted int
	var errs []error
	for _, reg := range j.store.AllOngoingRegistrations(ctx) {
		if !reg.Expired(now, j.TTL) {
			continue
		}
		if err := j.store.DeleteOngoingRegistration(ctx, reg.RoomID); err != nil {
			j.logger.Error("登録途中の状態の削除に失敗しました",
				slog.String("room_id", reg.RoomID.String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	duration := time.Since(start)
	j.logger.Info("登録クリーンアップジョブが完了しました",
		slog.Int("deleted_count", deleted),
		slog.Float64("ttl_hours", j.TTL.Hours()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	if len(errs) > 0 {
		return fmt.Errorf("登録クリーンアップの実行に失敗: %w", errors.Join(errs...))
	}
	return nil
}

// Start は起動直後に1回ジョブを実行し、その後はScheduleに従って実行する。
// ctxがキャンセルされると実行中のジョブの終了を待って戻る。
func (j *CleanupJob) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.Schedule, func() {
		_ = j.Run(ctx)
	}); err != nil {
		return fmt.Errorf("クリーンアップのスケジュール登録に失敗しました: %w", err)
	}

	_ = j.Run(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
