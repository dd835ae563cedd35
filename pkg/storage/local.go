// Package storage 按键寻址的对象存储
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"im-chat/pkg/logger"

	"go.uber.org/zap"
)

var (
	// ErrInvalidKey 键格式非法
	ErrInvalidKey = errors.New("invalid object key")
	// ErrForbidden 写入或删除超出所属用户的键前缀
	ErrForbidden = errors.New("object key outside owner prefix")
	// ErrNotFound 对象不存在
	ErrNotFound = errors.New("object not found")
)

// LocalStore 本地文件系统对象存储
// 写入与删除限定在 {owner}/ 前缀下，读取公开
type LocalStore struct {
	basePath string // 存储根目录
	baseURL  string // 公开访问地址前缀
}

// NewLocalStore 创建本地对象存储，目录不存在时自动创建
func NewLocalStore(basePath, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败 %s: %w", basePath, err)
	}
	return &LocalStore{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}, nil
}

// Root 存储根目录
func (s *LocalStore) Root() string { return s.basePath }

// Put 写入对象并返回公开地址
func (s *LocalStore) Put(ctx context.Context, owner uint, key string, r io.Reader, size int64, mime string) (string, error) {
	full, err := s.ownedPath(owner, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}

	// 先写临时文件再重命名，避免读到半个对象
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("创建临时文件失败: %w", err)
	}
	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("写入 %d 字节，预期 %d 字节", written, size)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("保存对象失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("保存对象失败: %w", err)
	}

	logger.Debug("对象已保存", zap.String("key", key), zap.Int64("size", written), zap.String("mime", mime))
	return s.URL(key), nil
}

// Open 读取对象
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Delete 删除对象，不存在时视为成功
func (s *LocalStore) Delete(_ context.Context, owner uint, key string) error {
	full, err := s.ownedPath(owner, key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除对象失败: %w", err)
	}
	return nil
}

// URL 对象的公开访问地址
func (s *LocalStore) URL(key string) string {
	return s.baseURL + "/" + key
}

// KeyFromURL 从公开地址解析出对象键
func (s *LocalStore) KeyFromURL(url string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(url, prefix)
	if _, err := s.path(key); err != nil {
		return "", false
	}
	return key, true
}

func (s *LocalStore) ownedPath(owner uint, key string) (string, error) {
	if owner == 0 || !strings.HasPrefix(key, strconv.FormatUint(uint64(owner), 10)+"/") {
		return "", ErrForbidden
	}
	return s.path(key)
}

// path 校验键并转换为本地路径
func (s *LocalStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	if path.Clean(key) != key {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return "", ErrInvalidKey
		}
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

// ctxReader 在复制过程中响应取消
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
