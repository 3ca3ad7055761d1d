package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryGateway is an in-process Gateway twin used in tests.
type MemoryGateway struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Uploads counts Upload calls, letting tests assert sync idempotence.
	uploads int
}

// NewMemoryGateway initializes an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{objects: make(map[string][]byte)}
}

func (g *MemoryGateway) Exists(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.objects[key]
	return ok, nil
}

func (g *MemoryGateway) Upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = data
	g.uploads++
	return nil
}

func (g *MemoryGateway) Download(ctx context.Context, key, localPath string) error {
	g.mu.Lock()
	data, ok := g.objects[key]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s: %w", key, ErrObjectNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (g *MemoryGateway) List(ctx context.Context, prefix string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var keys []string
	for key := range g.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *MemoryGateway) DeleteByPrefix(ctx context.Context, prefix string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.objects {
		if strings.HasPrefix(key, prefix) {
			delete(g.objects, key)
		}
	}
	return nil
}

func (g *MemoryGateway) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.objects[key]; !ok {
		return "", fmt.Errorf("presign %s: %w", key, ErrObjectNotFound)
	}
	return fmt.Sprintf("memory://bucket/%s?expires=%d", key, int(expiry.Seconds())), nil
}

// UploadCount reports how many Upload calls were made.
func (g *MemoryGateway) UploadCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uploads
}

// PutObject seeds an object directly, bypassing the local filesystem.
func (g *MemoryGateway) PutObject(key string, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = data
}

// GetObject returns a stored object's bytes.
func (g *MemoryGateway) GetObject(key string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.objects[key]
	return data, ok
}
