// Package httpsource 通过后端 REST API 读取事件流
//
// 接口：
//   - GET {base}/api/v1/runs/{id}/events?from_seq=N&limit=L   整条流（分页，from_seq 不包含）
//   - GET {base}/api/v1/sessions/{id}/activity/next?after=I   指定位置之后的一条记录
//
// 错误按 errdefs 分类，404 / 超时 / 5xx 属于良性错误。
package httpsource

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
	"agents-console/pkg/logging"
)

const (
	DefaultFullPath = "/api/v1/runs/{id}/events"
	DefaultNextPath = "/api/v1/sessions/{id}/activity/next"
	DefaultPageSize = 1000
	DefaultTimeout  = 30 * time.Second

	// maxPages 单次 FetchFull 最多翻页数，防止序号不前进时死循环
	maxPages = 100
	// maxBodySize 单个响应体上限
	maxBodySize = 32 * 1024 * 1024
)

// Config HTTP 事件源配置
type Config struct {
	BaseURL    string        // 后端地址，如 https://backend.local:8080
	FullPath   string        // 整条流路径模板，{id} 为流 ID
	NextPath   string        // 增量路径模板，{id} 为流 ID
	PageSize   int           // 分页大小
	Token      string        // Bearer Token（可选）
	CAFile     string        // 自定义 CA 证书（可选）
	Timeout    time.Duration // 单次请求超时
	HTTPClient *http.Client  // 自定义 HTTP 客户端（可选，优先于 CAFile）
	Logger     *logging.Logger
}

// Client HTTP 事件源
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *logging.Logger
}

var _ eventsource.Source = (*Client)(nil)

// New 创建 HTTP 事件源
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("httpsource: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("httpsource: invalid base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.FullPath == "" {
		cfg.FullPath = DefaultFullPath
	}
	if cfg.NextPath == "" {
		cfg.NextPath = DefaultNextPath
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("httpsource")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		base := http.DefaultTransport
		if cfg.CAFile != "" {
			tlsTransport, err := buildTLSTransport(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("httpsource: %w", err)
			}
			base = tlsTransport
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: base}
	}

	// Bearer Token 注入 + OpenTelemetry 链路
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var rt http.RoundTripper = base
	if cfg.Token != "" {
		rt = &bearerTransport{base: rt, token: cfg.Token}
	}
	httpClient = &http.Client{
		Timeout:   httpClient.Timeout,
		Jar:       httpClient.Jar,
		Transport: otelhttp.NewTransport(rt),
	}

	return &Client{config: cfg, httpClient: httpClient, logger: cfg.Logger}, nil
}

// FetchFull 分页读取整条事件流
//
// 页内事件带序号时按最后一个序号继续翻页，直到某页不足 PageSize；
// 事件没有序号时只读一页。
func (c *Client) FetchFull(ctx context.Context, streamID string) ([]model.Event, error) {
	var (
		all     []model.Event
		fromSeq int64
		dropped int
	)
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("from_seq", strconv.FormatInt(fromSeq, 10))
		q.Set("limit", strconv.Itoa(c.config.PageSize))

		body, err := c.get(ctx, c.endpoint(c.config.FullPath, streamID), q)
		if err != nil {
			return nil, err
		}
		res, err := eventsource.NormalizeFull(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", eventsource.ErrMalformed, err)
		}
		dropped += res.Dropped
		all = append(all, res.Events...)

		if len(res.Events) < c.config.PageSize {
			break
		}
		last := res.Events[len(res.Events)-1].Seq
		if last <= fromSeq {
			break
		}
		fromSeq = last
	}
	if dropped > 0 {
		c.logger.Debug("dropped unparsable event lines", "stream_id", streamID, "dropped", dropped)
	}
	if all == nil {
		all = []model.Event{}
	}
	return all, nil
}

// FetchNext 读取 afterIndex 位置的记录
//
// 404 表示记录尚未产生，不视为错误。
func (c *Client) FetchNext(ctx context.Context, streamID string, afterIndex int) (eventsource.Increment, error) {
	q := url.Values{}
	q.Set("after", strconv.Itoa(afterIndex))

	body, err := c.get(ctx, c.endpoint(c.config.NextPath, streamID), q)
	if err != nil {
		if eventsource.IsNotFound(err) {
			return eventsource.Increment{}, nil
		}
		return eventsource.Increment{}, err
	}
	inc, err := eventsource.NormalizeIncrement(body)
	if err != nil {
		return eventsource.Increment{}, fmt.Errorf("%w: %v", eventsource.ErrMalformed, err)
	}
	return inc, nil
}

func (c *Client) endpoint(template, streamID string) string {
	return c.config.BaseURL + strings.ReplaceAll(template, "{id}", url.PathEscape(streamID))
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eventsource.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, eventsource.ClassifyTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eventsource.StatusError(resp.StatusCode, snippet(body))
	}
	return body, nil
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// bearerTransport 包装 http.RoundTripper，自动注入 Authorization header
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// buildTLSTransport 构建带自定义 CA 证书的 Transport
func buildTLSTransport(caFile string) (*http.Transport, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{RootCAs: caPool}
	return transport, nil
}
