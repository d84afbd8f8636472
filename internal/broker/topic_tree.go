package broker

import (
	"sort"
	"strings"
)

// TopicTreeNode 主题订阅树节点
type TopicTreeNode struct {
	// 直接子节点（精确匹配）
	Children map[string]*TopicTreeNode
	// "+" 通配符子节点（单层），"*" 写法也存放在这里
	WildcardPlus *TopicTreeNode
	// "#" 通配符订阅（多层），clientID -> QoS
	WildcardHash map[string]byte
	// 终端订阅者（当前路径的精确匹配订阅），clientID -> QoS
	Terminals map[string]byte
}

func newTopicTreeNode() *TopicTreeNode {
	return &TopicTreeNode{Children: make(map[string]*TopicTreeNode)}
}

func (n *TopicTreeNode) empty() bool {
	return len(n.Children) == 0 && n.WildcardPlus == nil && len(n.WildcardHash) == 0 && len(n.Terminals) == 0
}

// TopicTree 不是并发安全的，由 Broker 的读写锁保护
type TopicTree struct {
	root  *TopicTreeNode
	count int
}

func NewTopicTree() *TopicTree {
	return &TopicTree{root: newTopicTreeNode()}
}

// Len 返回订阅数量
func (t *TopicTree) Len() int {
	return t.count
}

// Insert 添加或更新一个订阅，过滤器需已通过 ValidateTopicFilter
func (t *TopicTree) Insert(clientID, filter string, qos byte) {
	levels := strings.Split(filter, LevelSeparator)
	node := t.root
	for i, level := range levels {
		if level == WildcardHash && i == len(levels)-1 {
			if node.WildcardHash == nil {
				node.WildcardHash = make(map[string]byte)
			}
			if _, ok := node.WildcardHash[clientID]; !ok {
				t.count++
			}
			node.WildcardHash[clientID] = qos
			return
		}
		if isSingleLevelWildcard(level) {
			if node.WildcardPlus == nil {
				node.WildcardPlus = newTopicTreeNode()
			}
			node = node.WildcardPlus
			continue
		}
		child, ok := node.Children[level]
		if !ok {
			child = newTopicTreeNode()
			node.Children[level] = child
		}
		node = child
	}
	if node.Terminals == nil {
		node.Terminals = make(map[string]byte)
	}
	if _, ok := node.Terminals[clientID]; !ok {
		t.count++
	}
	node.Terminals[clientID] = qos
}

// Remove 删除一个订阅并回收空节点，返回订阅是否存在
func (t *TopicTree) Remove(clientID, filter string) bool {
	levels := strings.Split(filter, LevelSeparator)
	removed := t.remove(t.root, levels, clientID)
	if removed {
		t.count--
	}
	return removed
}

func (t *TopicTree) remove(node *TopicTreeNode, levels []string, clientID string) bool {
	if len(levels) == 0 {
		if _, ok := node.Terminals[clientID]; !ok {
			return false
		}
		delete(node.Terminals, clientID)
		return true
	}

	level := levels[0]
	if level == WildcardHash && len(levels) == 1 {
		if _, ok := node.WildcardHash[clientID]; !ok {
			return false
		}
		delete(node.WildcardHash, clientID)
		return true
	}

	if isSingleLevelWildcard(level) {
		if node.WildcardPlus == nil {
			return false
		}
		removed := t.remove(node.WildcardPlus, levels[1:], clientID)
		if removed && node.WildcardPlus.empty() {
			node.WildcardPlus = nil
		}
		return removed
	}

	child, ok := node.Children[level]
	if !ok {
		return false
	}
	removed := t.remove(child, levels[1:], clientID)
	if removed && child.empty() {
		delete(node.Children, level)
	}
	return removed
}

// Match 返回匹配主题的订阅者及其最高 QoS。结果与订阅的插入顺序无关。
func (t *TopicTree) Match(topic string) map[string]byte {
	levels := strings.Split(topic, LevelSeparator)
	results := make(map[string]byte)
	collect := func(subs map[string]byte) {
		for clientID, qos := range subs {
			if old, ok := results[clientID]; !ok || qos > old {
				results[clientID] = qos
			}
		}
	}

	system := strings.HasPrefix(topic, "$")
	queue := []*TopicTreeNode{t.root}
	for depth, level := range levels {
		var nextQueue []*TopicTreeNode
		for _, node := range queue {
			// "#" 同时匹配父层级本身，例如 sport/# 匹配 sport
			if !(system && depth == 0) {
				collect(node.WildcardHash)
			}
			if child, ok := node.Children[level]; ok {
				nextQueue = append(nextQueue, child)
			}
			if node.WildcardPlus != nil && !(system && depth == 0) {
				nextQueue = append(nextQueue, node.WildcardPlus)
			}
		}
		queue = nextQueue
		if len(queue) == 0 {
			return results
		}
	}

	for _, node := range queue {
		collect(node.Terminals)
		collect(node.WildcardHash)
	}
	return results
}

// Subscribers 按 clientID 排序返回匹配结果
func (t *TopicTree) Subscribers(topic string) []Subscription {
	matches := t.Match(topic)
	subs := make([]Subscription, 0, len(matches))
	for clientID, qos := range matches {
		subs = append(subs, Subscription{ClientID: clientID, QoS: qos})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ClientID < subs[j].ClientID })
	return subs
}
