// Package apperrors 定义聊天核心的错误分类
package apperrors

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindValidation Kind = "validation"           // 输入校验失败，不会发起任何网络调用
	KindDenied     Kind = "authorization_denied" // 被拉黑或被存储层策略拒绝
	KindTransient  Kind = "transient_io"         // 读取/上传/下载失败，需要用户手动重试
	KindConflict   Kind = "conflict_ignored"     // 重复插入（例如重复表情），静默忽略
	KindNotFound   Kind = "not_found"            // 资源不存在或对当前用户不可见
)

// 各类别对应的哨兵错误，可配合 errors.Is 使用
var (
	ErrValidation = errors.New("validation failed")
	ErrDenied     = errors.New("authorization denied")
	ErrTransient  = errors.New("transient io error")
	ErrConflict   = errors.New("conflict ignored")
	ErrNotFound   = errors.New("not found")
)

var sentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindDenied:     ErrDenied,
	KindTransient:  ErrTransient,
	KindConflict:   ErrConflict,
	KindNotFound:   ErrNotFound,
}

// Error 带类别和上下文的应用错误
type Error struct {
	Kind    Kind
	Message string
	Err     error // 底层错误，可为空
}

// Error 实现 error 接口
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap 同时暴露类别哨兵和底层错误
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation 校验错误
func Validation(format string, args ...interface{}) error {
	return newError(KindValidation, nil, format, args...)
}

// Denied 权限拒绝
func Denied(format string, args ...interface{}) error {
	return newError(KindDenied, nil, format, args...)
}

// Transient 包装一次失败的 IO 操作
func Transient(op string, err error) error {
	return newError(KindTransient, err, "%s", op)
}

// Conflict 重复写入
func Conflict(format string, args ...interface{}) error {
	return newError(KindConflict, nil, format, args...)
}

// NotFound 资源不存在
func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, nil, format, args...)
}

// KindOf 返回错误类别，非应用错误返回空字符串
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsValidation 是否为校验错误
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsDenied 是否为权限拒绝
func IsDenied(err error) bool { return errors.Is(err, ErrDenied) }

// IsTransient 是否为 IO 错误
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsConflict 是否为可忽略的冲突
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound 是否为不存在
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
