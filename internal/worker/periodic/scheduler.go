// Package periodic はワーカーの定期ジョブを提供する。
// イベントの終了処理、期限切れリマインダーのsweep、保持期間切れデータの削除を
// ティッカーで駆動し、失敗したジョブは指数バックオフで間隔を空ける。
package periodic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/eventlocator/internal/clock"
)

// Job は定期実行するジョブの定義。
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// jobState はジョブの次回実行時刻と連続失敗回数を保持する。
type jobState struct {
	job               Job
	nextRunAt         time.Time
	consecutiveErrors int
}

// Scheduler は定期ジョブのスケジューリングと並列制御を行う。
// ティッカーごとに実行時刻に達したジョブを取り出し、
// semaphoreパターンで最大並列数を制御しながら実行する。
type Scheduler struct {
	mu             sync.Mutex
	jobs           []*jobState
	clock          clock.Clock
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
// 登録したジョブは初回のRunOnceで1回実行される。
func NewScheduler(c clock.Clock, logger *slog.Logger, maxConcurrency int, jobs ...Job) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if c == nil {
		c = clock.NewSystem()
	}
	s := &Scheduler{
		clock:          c,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
	for _, job := range jobs {
		s.jobs = append(s.jobs, &jobState{job: job})
	}
	return s
}

// Start はtickごとにRunOnceを実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで戻らない。
func (s *Scheduler) Start(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Info("定期ジョブスケジューラを開始しました",
		slog.Duration("tick", tick),
		slog.Int("job_count", len(s.jobs)),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("定期ジョブスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は実行時刻に達したジョブを並列で実行し、実行したジョブ数を返す。
// 成功したジョブは Interval 後、失敗したジョブはバックオフ後に再実行される。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	due := s.dueJobs()
	if len(due) == 0 {
		return 0
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, st := range due {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(st *jobState) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			s.runJob(ctx, st)
		}(st)
	}

	wg.Wait()
	return len(due)
}

// dueJobs は実行時刻に達したジョブを返す。
func (s *Scheduler) dueJobs() []*jobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*jobState
	for _, st := range s.jobs {
		if !now.Before(st.nextRunAt) {
			due = append(due, st)
		}
	}
	return due
}

func (s *Scheduler) runJob(ctx context.Context, st *jobState) {
	start := time.Now()
	err := st.job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if err != nil {
		st.consecutiveErrors++
		delay := CalculateBackoff(st.job.Interval, st.consecutiveErrors)
		st.nextRunAt = now.Add(delay)
		s.logger.Error("定期ジョブの実行に失敗しました",
			slog.String("job", st.job.Name),
			slog.Int("consecutive_errors", st.consecutiveErrors),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		return
	}

	st.consecutiveErrors = 0
	st.nextRunAt = now.Add(st.job.Interval)
	s.logger.Debug("定期ジョブが完了しました",
		slog.String("job", st.job.Name),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
