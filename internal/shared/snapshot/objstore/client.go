// Package objstore 基于 MinIO 对象存储的事件流归档
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"agents-console/internal/config"
	"agents-console/pkg/logging"
)

const defaultBucket = "agents-console"

// Client 单个 bucket 上的 JSON 对象读写
type Client struct {
	mc     *minio.Client
	bucket string
	logger *logging.Logger
}

// NewClient 创建 MinIO 客户端，bucket 为空时使用 agents-console
func NewClient(cfg config.MinIOConfig, logger *logging.Logger) (*Client, error) {
	switch {
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("minio endpoint is required")
	case cfg.AccessKey == "" || cfg.SecretKey == "":
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}
	if logger == nil {
		logger = logging.Default("objstore")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	return &Client{mc: mc, bucket: bucket, logger: logger}, nil
}

// EnsureBucket 创建不存在的 bucket
func (c *Client) EnsureBucket(ctx context.Context) error {
	ok, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s: %w", c.bucket, err)
	}
	if ok {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", c.bucket, err)
	}
	c.logger.Info("created bucket", "bucket", c.bucket)
	return nil
}

// Put 覆盖写入 JSON 对象
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	return c.put(ctx, key, data, minio.PutObjectOptions{ContentType: contentJSON})
}

// PutIfAbsent 仅在对象不存在时写入，已存在时返回 created=false
func (c *Client) PutIfAbsent(ctx context.Context, key string, data []byte) (created bool, err error) {
	opts := minio.PutObjectOptions{ContentType: contentJSON}
	opts.SetMatchETagExcept("*")
	err = c.put(ctx, key, data, opts)
	if isPreconditionFailed(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) put(ctx context.Context, key string, data []byte, opts minio.PutObjectOptions) error {
	start := time.Now()
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	c.logger.DBQueryLog("put", key, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get 读取整个对象，对象不存在时返回的错误满足 isNoSuchKey
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	// GetObject 延迟到首次读取才发请求
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Remove 删除对象，对象不存在不算错误
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

func errorCode(err error) (string, int) {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code, resp.StatusCode
	}
	return "", 0
}

func isNoSuchKey(err error) bool {
	code, _ := errorCode(err)
	return code == "NoSuchKey"
}

// isPreconditionFailed If-None-Match 不满足，即对象已存在
func isPreconditionFailed(err error) bool {
	code, status := errorCode(err)
	return code == "PreconditionFailed" || status == http.StatusPreconditionFailed
}
