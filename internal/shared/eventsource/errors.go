package eventsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/containerd/errdefs"
)

// ErrMalformed 响应体无法归一化
var ErrMalformed = errors.New("malformed event source response")

// IsNotFound 记录或流尚不存在
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// StatusError 将 HTTP 状态码映射为 errdefs 错误类别
//
//   - 404 → NotFound（记录尚未产生）
//   - 408 / 504 → context.DeadlineExceeded
//   - 401 / 403 → Unauthorized / PermissionDenied
//   - 429 / 5xx → Unavailable
func StatusError(status int, body string) error {
	var class error
	switch {
	case status == http.StatusNotFound:
		class = errdefs.ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		class = context.DeadlineExceeded
	case status == http.StatusUnauthorized:
		class = errdefs.ErrUnauthenticated
	case status == http.StatusForbidden:
		class = errdefs.ErrPermissionDenied
	case status == http.StatusTooManyRequests || status >= 500:
		class = errdefs.ErrUnavailable
	case status >= 400:
		class = errdefs.ErrInvalidArgument
	default:
		class = errdefs.ErrUnknown
	}
	if body != "" {
		return fmt.Errorf("%w: status %d: %s", class, status, body)
	}
	return fmt.Errorf("%w: status %d", class, status)
}

// ClassifyTransport 为传输层错误补充类别
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%w: %w", errdefs.ErrUnavailable, err)
}

// IsBenign 判断错误是否属于"稍后重试即可"的良性错误
//
// 良性错误只记 debug 日志，不向用户展示。
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	return errdefs.IsNotFound(err) ||
		errdefs.IsDeadlineExceeded(err) ||
		errdefs.IsUnavailable(err) ||
		errdefs.IsCanceled(err)
}
