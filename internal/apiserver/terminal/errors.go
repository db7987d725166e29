// Package terminal 终端领域：身份解析、心跳、命令队列与投递、确认处理、离线扫描
package terminal

import "errors"

var (
	// ErrNotFound 标识符无法解析到终端或命令
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized 安全违规：退役终端心跳、确认归属不匹配
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBadRequest 请求参数非法（命令类型、载荷、必填字段）
	ErrBadRequest = errors.New("bad request")
)
