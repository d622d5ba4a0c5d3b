package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到
	ErrNotFound = errors.New("repository: record not found")
	// ErrInvalidKey 表示房间 id 无法映射为合法的存储键 (例如为空)
	ErrInvalidKey = errors.New("repository: invalid key")
)

// 特定资源的错误
var (
	ErrSnapshotNotFound = ErrNotFound
)
