package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrValidation 输入在边界处被拒绝
	ErrValidation = errors.New("validation error")
	// ErrNotFound 引用了不存在的池或账户
	ErrNotFound = errors.New("not found")
	// ErrConfiguration 权重或阈值配置缺失/不一致，启动时致命
	ErrConfiguration = errors.New("configuration error")
)

// PropagationError 集体防护中部分池写入失败
type PropagationError struct {
	IPAddress   string
	FailedPools []string
	Errs        *multierror.Error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("partial propagation failure for %s in pools [%s]: %v",
		e.IPAddress, strings.Join(e.FailedPools, ","), e.Errs.ErrorOrNil())
}

func (e *PropagationError) Unwrap() error {
	return e.Errs.ErrorOrNil()
}
