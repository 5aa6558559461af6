package gateway

import (
	"time"

	"schwab-gateway/internal/retry"
)

// Observer 接收执行过程中的事件，用于指标与运维日志。
type Observer interface {
	OnAttempt(method string, out retry.Outcome)
	OnRetry(method string, delay time.Duration)
	OnCallDone(d Descriptor, attempts int, err error)
}

type nopObserver struct{}

func (nopObserver) OnAttempt(string, retry.Outcome)   {}
func (nopObserver) OnRetry(string, time.Duration)     {}
func (nopObserver) OnCallDone(Descriptor, int, error) {}

type multiObserver []Observer

// Observers 把多个观察者合并为一个，nil 会被忽略。
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) OnAttempt(method string, out retry.Outcome) {
	for _, o := range m {
		o.OnAttempt(method, out)
	}
}

func (m multiObserver) OnRetry(method string, delay time.Duration) {
	for _, o := range m {
		o.OnRetry(method, delay)
	}
}

func (m multiObserver) OnCallDone(d Descriptor, attempts int, err error) {
	for _, o := range m {
		o.OnCallDone(d, attempts, err)
	}
}
