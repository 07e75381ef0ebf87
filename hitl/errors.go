package hitl

import (
	"net/http"

	"github.com/BaSui01/insightflow/types"
)

// 协调器的典型错误。API 层通过 types.GetErrorCode 映射到 HTTP 状态码。
var (
	// ErrConflict 同一工作流已有挂起的干预请求。
	ErrConflict = types.NewError(types.ErrConflict,
		"workflow already has a pending intervention request").
		WithHTTPStatus(http.StatusConflict)

	// ErrNotFound 请求 ID 不存在。
	ErrNotFound = types.NewError(types.ErrNotFound,
		"intervention request not found").
		WithHTTPStatus(http.StatusNotFound)

	// ErrAlreadyResolved 请求已到达终态，响应到达太晚。
	ErrAlreadyResolved = types.NewError(types.ErrAlreadyResolved,
		"intervention request already resolved").
		WithHTTPStatus(http.StatusConflict)

	// ErrInvalidAction 动作不在请求的可选集合内。
	ErrInvalidAction = types.NewError(types.ErrInvalidAction,
		"action is not valid for this intervention request").
		WithHTTPStatus(http.StatusBadRequest)

	// ErrChannelUnavailable 事件通道整体不可用（非致命，可重试）。
	// 推送本身是尽力而为的，创建干预请求从不因通道不可达而失败。
	ErrChannelUnavailable = types.NewError(types.ErrChannelUnavailable,
		"event channel unavailable").
		WithHTTPStatus(http.StatusServiceUnavailable).
		WithRetryable(true)

	// ErrDeadlineNotReached 在 timeout_at 之前尝试将请求置为 timeout。
	ErrDeadlineNotReached = types.NewError(types.ErrInvalidRequest,
		"intervention deadline has not been reached").
		WithHTTPStatus(http.StatusBadRequest)
)
