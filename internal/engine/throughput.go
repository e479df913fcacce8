package engine

import (
	"context"
	"sync/atomic"
	"time"

	"Speedtest_Light_Go/pkg/model"

	"github.com/VividCortex/ewma"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 每个测速阶段的队列容量
const DefaultConcurrency = 6

// Transfer 执行单次传输，失败时返回 0，tester.Transferer 实现了该接口
type Transfer interface {
	Download(ctx context.Context, url string, runStart time.Time) int64
	Upload(ctx context.Context, url string, runStart time.Time, size int) int64
}

// Progress 描述测速阶段的实时进度
type Progress struct {
	Direction    model.Direction
	Dispatched   int
	Done         int
	Total        int
	Bytes        int64
	SmoothedRate float64 // B/s，按已完成任务的瞬时速率做指数移动平均
}

// Throughput 在固定队列容量下并发执行传输任务并计算总速率
type Throughput struct {
	Transfer    Transfer
	Concurrency int
	Now         func() time.Time
	// OnDispatch 在每个任务启动后调用，OnProgress 在每个任务计入结果后调用
	OnDispatch func(Progress)
	OnProgress func(Progress)
}

// pending 是已启动但尚未计入结果的任务
type pending struct {
	done  chan struct{}
	bytes int64
}

// MeasureDownload 依次下载 urls 并返回下载速率
func (t *Throughput) MeasureDownload(ctx context.Context, urls []string) (model.ThroughputSample, error) {
	return t.measure(ctx, model.Download, len(urls), func(ctx context.Context, i int, runStart time.Time) int64 {
		return t.Transfer.Download(ctx, urls[i], runStart)
	})
}

// MeasureUpload 按 sizes 依次向 url 上传并返回上传速率
func (t *Throughput) MeasureUpload(ctx context.Context, url string, sizes []int) (model.ThroughputSample, error) {
	return t.measure(ctx, model.Upload, len(sizes), func(ctx context.Context, i int, runStart time.Time) int64 {
		return t.Transfer.Upload(ctx, url, runStart, sizes[i])
	})
}

// measure 实现生产者/消费者流水线：
// 生产者按顺序启动任务并放入容量为 Concurrency 的队列，队列满时阻塞；
// 唯一的消费者按入队顺序等待每个任务完成并累加字节数。
func (t *Throughput) measure(ctx context.Context, dir model.Direction, total int, task func(context.Context, int, time.Time) int64) (model.ThroughputSample, error) {
	sample := model.ThroughputSample{Direction: dir, Tasks: total}
	if total == 0 {
		return sample, nil
	}
	if err := ctx.Err(); err != nil {
		return model.ThroughputSample{Direction: dir}, err
	}

	concurrency := t.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	runStart := t.now()
	queue := make(chan *pending, concurrency)
	var dispatched atomic.Int32

	g, gctx := errgroup.WithContext(ctx)

	// 生产者
	g.Go(func() error {
		defer close(queue)
		for i := 0; i < total; i++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := &pending{done: make(chan struct{})}
			go func(i int) {
				defer close(p.done)
				p.bytes = task(gctx, i, runStart)
			}(i)

			n := int(dispatched.Add(1))
			if t.OnDispatch != nil {
				t.OnDispatch(Progress{Direction: dir, Dispatched: n, Total: total})
			}

			select {
			case queue <- p:
			case <-gctx.Done():
				// 未入队的任务由生产者自己回收
				<-p.done
				return gctx.Err()
			}
		}
		return nil
	})

	// 消费者，唯一写 sample 的地方
	g.Go(func() error {
		avg := ewma.NewMovingAverage()
		last := runStart
		completed := 0
		for p := range queue {
			<-p.done
			completed++
			sample.Bytes += p.bytes
			if p.bytes == 0 {
				sample.Failed++
			}

			now := t.now()
			if dt := now.Sub(last).Seconds(); dt > 0 {
				avg.Add(float64(p.bytes) / dt)
			}
			last = now

			if t.OnProgress != nil {
				t.OnProgress(Progress{
					Direction:    dir,
					Dispatched:   int(dispatched.Load()),
					Done:         completed,
					Total:        total,
					Bytes:        sample.Bytes,
					SmoothedRate: avg.Value(),
				})
			}
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		log.Debug().Err(err).Str("direction", string(dir)).Msg("measurement aborted")
		return model.ThroughputSample{Direction: dir}, err
	}

	sample.Elapsed = t.now().Sub(runStart)
	if sample.Elapsed < 0 {
		sample.Elapsed = 0
	}
	log.Debug().
		Str("direction", string(dir)).
		Int("tasks", sample.Tasks).
		Int("failed", sample.Failed).
		Int64("bytes", sample.Bytes).
		Dur("elapsed", sample.Elapsed).
		Float64("rate_bps", sample.Rate()).
		Msg("measurement finished")
	return sample, nil
}

func (t *Throughput) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}
