package broker

import (
	"errors"
	"fmt"
	"strings"
)

const (
	LevelSeparator = "/"
	WildcardHash   = "#"
	WildcardPlus   = "+"
	// WildcardStar 与 "+" 等价，部分设备固件使用这种写法
	WildcardStar = "*"

	maxTopicLength = 65535
)

var (
	ErrInvalidTopic  = errors.New("invalid topic name")
	ErrInvalidFilter = errors.New("invalid topic filter")
)

func isSingleLevelWildcard(level string) bool {
	return level == WildcardPlus || level == WildcardStar
}

// ValidateTopicName 检查 PUBLISH 使用的主题名
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: too long", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return fmt.Errorf("%w: %q contains wildcard or null character", ErrInvalidTopic, topic)
	}
	// 单独的 "*" 层级在过滤器里是通配符，出现在主题名中会被歧义匹配
	for _, level := range strings.Split(topic, LevelSeparator) {
		if level == WildcardStar {
			return fmt.Errorf("%w: %q contains wildcard level", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// ValidateTopicFilter 检查订阅使用的主题过滤器，"#" 只能作为最后一个层级
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	if len(filter) > maxTopicLength || strings.ContainsRune(filter, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	levels := strings.Split(filter, LevelSeparator)
	for i, level := range levels {
		if level == WildcardHash {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level, filter: %s", ErrInvalidFilter, filter)
			}
			continue
		}
		if strings.Contains(level, WildcardHash) || (strings.Contains(level, WildcardPlus) && level != WildcardPlus) {
			return fmt.Errorf("%w: wildcard must occupy a whole level, filter: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// MatchTopic 判断主题是否匹配过滤器，逐层比较
func MatchTopic(filter, topic string) bool {
	filterLevels := strings.Split(filter, LevelSeparator)
	topicLevels := strings.Split(topic, LevelSeparator)

	// 以通配符开头的过滤器不匹配 "$" 开头的系统主题
	if strings.HasPrefix(topic, "$") && (filterLevels[0] == WildcardHash || isSingleLevelWildcard(filterLevels[0])) {
		return false
	}

	for i, level := range filterLevels {
		if level == WildcardHash {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if isSingleLevelWildcard(level) {
			continue
		}
		if level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
