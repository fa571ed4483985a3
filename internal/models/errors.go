package models

import (
	"context"
	"errors"
)

var (
	// 校验错误: 在接口边界同步拒绝，不进入 tick 循环
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidState      = errors.New("invalid state")
	ErrNotFound          = errors.New("bot not found")

	// 网关错误
	ErrUnavailable   = errors.New("gateway unavailable")
	ErrRejected      = errors.New("order rejected")
	ErrOrderNotFound = errors.New("order not found")

	// ErrCorruptState marks state the engine cannot reason about.
	ErrCorruptState = errors.New("corrupt bot state")
)

// IsTransient reports whether err should only skip the current tick. Anything
// else reaching the tick boundary moves the bot to ERROR.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
