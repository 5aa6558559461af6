package gateway

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Do 在调用方 goroutine 上阻塞执行一次逻辑调用。
func (e *Executor) Do(ctx context.Context, d Descriptor) (Result, error) {
	return e.execute(ctx, d.clone())
}

// Pending 是已提交、尚未完成的调用。
type Pending struct {
	done chan struct{}
	res  Result
	err  error
}

// Done 在调用完成时关闭。
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Await 等待调用完成。ctx 结束只停止等待，不取消调用本身。
func (p *Pending) Await(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.done:
		return p.res, p.err
	}
}

// Submit 在后台执行调用并立即返回。调用在许可等待、退避与传输时挂起，
// 其余调用照常推进；取消 ctx 会取消调用。
func (e *Executor) Submit(ctx context.Context, d Descriptor) *Pending {
	p := &Pending{done: make(chan struct{})}
	d = d.clone()

	go func() {
		defer close(p.done)
		if e.slots != nil {
			if err := e.slots.Acquire(ctx, 1); err != nil {
				p.err = fmt.Errorf("gateway: 等待执行槽位被取消: %w", err)
				e.observer.OnCallDone(d, 0, p.err)
				return
			}
			defer e.slots.Release(1)
		}
		p.res, p.err = e.execute(ctx, d)
	}()

	return p
}

// DoAll 并发执行多个调用，结果与输入顺序一致。任一调用失败会取消其余调用。
func (e *Executor) DoAll(ctx context.Context, ds ...Descriptor) ([]Result, error) {
	results := make([]Result, len(ds))

	group, groupCtx := errgroup.WithContext(ctx)
	if e.cfg.MaxInFlight > 0 {
		group.SetLimit(int(e.cfg.MaxInFlight))
	}
	for i, d := range ds {
		d := d.clone()
		group.Go(func() error {
			res, err := e.execute(groupCtx, d)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
