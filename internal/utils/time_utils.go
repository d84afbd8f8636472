package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/arrudagates/ponder/internal/logger"
)

// ParseStringTime 解析 "10s"、"20m"、"48h"、"2d" 形式的时间字符串，非法输入返回 0
func ParseStringTime(timeString string) time.Duration {
	timeString = strings.TrimSpace(strings.ToLower(timeString))
	if timeString == "" {
		return 0
	}
	if d, err := time.ParseDuration(timeString); err == nil {
		return d
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			logger.ErrorF("Error parsing time string: %s", err.Error())
			return 0
		}
		return time.Duration(number) * time.Hour * 24
	}
	logger.ErrorF("invalid time format: %s", timeString)
	return 0
}

// ParseStringTimeOr 在解析结果为 0 时返回 fallback
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	if d := ParseStringTime(timeString); d > 0 {
		return d
	}
	return fallback
}
