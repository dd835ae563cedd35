package chat

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// BlobRegistry 本地预览临时文件登记表
// 切换会话或关闭会话时全部回收
type BlobRegistry struct {
	dir   string
	mu    sync.Mutex
	blobs map[string]string // id -> 文件路径
}

// NewBlobRegistry 创建登记表，dir 为空时使用系统临时目录
func NewBlobRegistry(dir string) *BlobRegistry {
	return &BlobRegistry{dir: dir, blobs: make(map[string]string)}
}

// Create 把 r 的内容写入新的临时文件并登记
func (b *BlobRegistry) Create(r io.Reader, ext string) (string, string, error) {
	if b.dir != "" {
		if err := os.MkdirAll(b.dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create blob dir: %w", err)
		}
	}
	id := uuid.NewString()
	f, err := os.CreateTemp(b.dir, "blob-"+id+"-*"+ext)
	if err != nil {
		return "", "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", "", fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", "", fmt.Errorf("write blob: %w", err)
	}

	b.mu.Lock()
	b.blobs[id] = f.Name()
	b.mu.Unlock()
	return id, f.Name(), nil
}

// Path 返回已登记的文件路径
func (b *BlobRegistry) Path(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.blobs[id]
	return p, ok
}

// Revoke 回收单个临时文件
func (b *BlobRegistry) Revoke(id string) {
	b.mu.Lock()
	p, ok := b.blobs[id]
	delete(b.blobs, id)
	b.mu.Unlock()
	if ok {
		_ = os.Remove(p)
	}
}

// RevokeAll 回收全部临时文件
func (b *BlobRegistry) RevokeAll() {
	b.mu.Lock()
	blobs := b.blobs
	b.blobs = make(map[string]string)
	b.mu.Unlock()
	for _, p := range blobs {
		_ = os.Remove(p)
	}
}

// Len 已登记数量
func (b *BlobRegistry) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}
