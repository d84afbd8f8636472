package broker

import (
	"sort"
	"sync"
)

// RetainedStore 按主题保存最近一条保留消息
type RetainedStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

func NewRetainedStore() *RetainedStore {
	return &RetainedStore{messages: make(map[string]*Message)}
}

// Set 保存保留消息，空负载表示删除。返回 true 表示条目被删除。
func (s *RetainedStore) Set(msg *Message) (deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msg.Payload) == 0 {
		_, existed := s.messages[msg.Topic]
		delete(s.messages, msg.Topic)
		return existed
	}
	s.messages[msg.Topic] = msg.Copy()
	return false
}

func (s *RetainedStore) Get(topic string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[topic]
	return msg, ok
}

// Match 返回匹配过滤器的保留消息，按主题排序
func (s *RetainedStore) Match(filter string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Message
	for topic, msg := range s.messages {
		if MatchTopic(filter, topic) {
			result = append(result, msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

func (s *RetainedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
