package models

import (
	"fmt"
)

const (
	PoolCodeLength = 5

	MinClickThreshold    = 1
	MaxClickThreshold    = 10
	MinBlockDurationDays = 1
	MaxBlockDurationDays = 30
)

// ParsePoolCode 解析池编码：前 2 位地区码，后 3 位行业码，例如 34001
func ParsePoolCode(code string) (region, sector string, err error) {
	if len(code) != PoolCodeLength {
		return "", "", fmt.Errorf("%w: pool code %q must be exactly %d digits", ErrValidation, code, PoolCodeLength)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", "", fmt.Errorf("%w: pool code %q must contain only ASCII digits", ErrValidation, code)
		}
	}
	return code[:2], code[2:], nil
}

// ValidateMembershipSettings 校验成员防护设置范围
func ValidateMembershipSettings(clickThreshold, blockDurationDays int) error {
	if clickThreshold < MinClickThreshold || clickThreshold > MaxClickThreshold {
		return fmt.Errorf("%w: click threshold %d must be between %d and %d",
			ErrValidation, clickThreshold, MinClickThreshold, MaxClickThreshold)
	}
	if blockDurationDays < MinBlockDurationDays || blockDurationDays > MaxBlockDurationDays {
		return fmt.Errorf("%w: block duration %d must be between %d and %d days",
			ErrValidation, blockDurationDays, MinBlockDurationDays, MaxBlockDurationDays)
	}
	return nil
}
