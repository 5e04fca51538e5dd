package a2a

import "errors"

// Remote agent errors.
var (
	// ErrRemoteUnavailable 表示远程 Agent 无法访问。
	ErrRemoteUnavailable = errors.New("a2a: remote agent unavailable")
	// ErrInvalidResponse 表示远程返回的内容无法解析。
	ErrInvalidResponse = errors.New("a2a: invalid remote response")
)
