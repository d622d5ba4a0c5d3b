// Package filepersistence 以每个房间一个 JSON 文件的形式保存快照。
package filepersistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// FileSnapshotRepository 是 SnapshotRepository 接口的文件实现。
// 文件路径为 <dir>/<转义后的 roomID>.json，写入采用 "临时文件 + rename" 保证原子性。
type FileSnapshotRepository struct {
	dir string
	mu  sync.Mutex // 串行化同一进程内的写入
}

// NewFileSnapshotRepository 创建实例并确保目录存在。
func NewFileSnapshotRepository(dir string) (*FileSnapshotRepository, error) {
	if dir == "" {
		return nil, fmt.Errorf("file: data directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file: failed to create data directory %s: %w", dir, err)
	}
	return &FileSnapshotRepository{dir: dir}, nil
}

// Dir 返回快照目录。
func (r *FileSnapshotRepository) Dir() string { return r.dir }

// 转义后的文件名超过 maxEscapedName 字节时改用 "<前缀>-<sha256>"，
// 保证文件名低于常见文件系统 255 字节的上限。
const (
	maxEscapedName = 200
	hashedPrefix   = 64
)

// pathFor 将房间 id 转义为单个文件名，防止 "../" 之类的 id 逃出数据目录。
func (r *FileSnapshotRepository) pathFor(roomID string) (string, error) {
	if roomID == "" {
		return "", repository.ErrInvalidKey
	}
	return filepath.Join(r.dir, fileName(roomID)), nil
}

func fileName(roomID string) string {
	name := url.PathEscape(roomID)
	if name == "." || name == ".." {
		name = url.QueryEscape(name) + "_"
	}
	if len(name) > maxEscapedName {
		sum := sha256.Sum256([]byte(roomID))
		prefix := name[:hashedPrefix]
		// 不截断 %XX 转义序列
		if i := strings.LastIndexByte(prefix, '%'); i >= hashedPrefix-2 {
			prefix = prefix[:i]
		}
		name = prefix + "-" + hex.EncodeToString(sum[:])
	}
	return name + ".json"
}

// Load 读取并解析房间快照文件
func (r *FileSnapshotRepository) Load(ctx context.Context, roomID string) (*domain.RoomSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := r.pathFor(roomID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, repository.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("file: failed to read snapshot for room %q: %w", roomID, err)
	}
	var snapshot domain.RoomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("file: failed to unmarshal snapshot for room %q: %w", roomID, err)
	}
	snapshot = snapshot.Normalize()
	return &snapshot, nil
}

// Save 以缩进 JSON 覆盖写入房间快照
func (r *FileSnapshotRepository) Save(ctx context.Context, roomID string, snapshot *domain.RoomSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot == nil {
		return fmt.Errorf("file: nil snapshot for room %q", roomID)
	}
	path, err := r.pathFor(roomID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot.Normalize(), "", "  ")
	if err != nil {
		return fmt.Errorf("file: failed to marshal snapshot for room %q: %w", roomID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tmp, err := os.CreateTemp(r.dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("file: failed to create temp file for room %q: %w", roomID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file: failed to write snapshot for room %q: %w", roomID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: failed to close temp file for room %q: %w", roomID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: failed to move snapshot into place for room %q: %w", roomID, err)
	}
	return nil
}
