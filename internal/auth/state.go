package auth

import "time"

// State 是授权会话的状态。
type State int

const (
	Unauthenticated State = iota
	AwaitingUserAuthorization
	Authenticated
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case AwaitingUserAuthorization:
		return "awaiting_user_authorization"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status 是会话的只读快照，供 CLI 展示。
type Status struct {
	API              string
	State            State
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	HasRefreshToken  bool
}

// Observer 接收状态迁移与刷新结果。回调在锁外执行。
type Observer interface {
	OnTransition(api string, from, to State, reason string)
	OnRefresh(api string, err error)
}

type transition struct {
	from, to State
	reason   string
}
