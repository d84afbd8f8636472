package broker

import (
	"context"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/metrics"
)

type Options struct {
	// Backend 为空时保留消息只保存在内存中
	Backend        RetainedBackend
	BackendTimeout time.Duration
	Metrics        *metrics.Metrics
}

type retainedOp struct {
	msg *Message
	del bool
}

// Broker 负责主题匹配、消息扇出和保留消息。
// 订阅表由读写锁保护：订阅变更持写锁，路由持读锁。
type Broker struct {
	mu          sync.RWMutex
	tree        *TopicTree
	subscribers map[string]Subscriber
	filters     map[string]map[string]struct{} // clientID -> filters
	retained    *RetainedStore
	hooks       []PublishHook

	backend        RetainedBackend
	backendTimeout time.Duration
	// 待持久化的操作按主题合并，只保留最新一次，发布方从不阻塞
	pendingMu sync.Mutex
	pending   map[string]retainedOp
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	metrics *metrics.Metrics
}

func New(opts Options) *Broker {
	b := &Broker{
		tree:           NewTopicTree(),
		subscribers:    make(map[string]Subscriber),
		filters:        make(map[string]map[string]struct{}),
		retained:       NewRetainedStore(),
		backend:        opts.Backend,
		backendTimeout: opts.BackendTimeout,
		done:           make(chan struct{}),
		metrics:        opts.Metrics,
	}
	if b.backendTimeout <= 0 {
		b.backendTimeout = 5 * time.Second
	}
	if b.backend != nil {
		b.pending = make(map[string]retainedOp)
		b.wake = make(chan struct{}, 1)
		b.wg.Add(1)
		go b.persistLoop()
	}
	return b
}

// LoadRetained 从持久化后端恢复保留消息
func (b *Broker) LoadRetained(ctx context.Context) error {
	if b.backend == nil {
		return nil
	}
	messages, err := b.backend.LoadRetained(ctx)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		b.retained.Set(msg)
	}
	b.metrics.SetRetained(b.retained.Len())
	logger.InfoF("Loaded %d retained messages", len(messages))
	return nil
}

func (b *Broker) persistLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.wake:
			b.flushRetained()
		case <-b.done:
			// 退出前写完剩余的操作
			b.flushRetained()
			return
		}
	}
}

func (b *Broker) flushRetained() {
	for {
		b.pendingMu.Lock()
		if len(b.pending) == 0 {
			b.pendingMu.Unlock()
			return
		}
		batch := b.pending
		b.pending = make(map[string]retainedOp, len(batch))
		b.pendingMu.Unlock()

		for _, op := range batch {
			b.applyRetained(op)
		}
	}
}

func (b *Broker) applyRetained(op retainedOp) {
	ctx, cancel := context.WithTimeout(context.Background(), b.backendTimeout)
	defer cancel()
	var err error
	if op.del {
		err = b.backend.DeleteRetained(ctx, op.msg.Topic)
	} else {
		err = b.backend.SaveRetained(ctx, op.msg)
	}
	if err != nil {
		logger.ErrorF("Fail to persist retained message for topic %s, details: %v", op.msg.Topic, err)
	}
}

// AddHook 注册发布钩子，应在开始服务前调用
func (b *Broker) AddHook(hook PublishHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, hook)
}

// Attach 将在线会话登记为投递端，同一 clientID 的旧投递端被替换
func (b *Broker) Attach(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.ClientID()] = sub
}

// Detach 移除投递端及其所有订阅。只有当前登记的投递端才会被移除，
// 这样被接管的旧会话不会误删新会话的状态。
func (b *Broker) Detach(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clientID := sub.ClientID()
	if current, ok := b.subscribers[clientID]; !ok || current != sub {
		return
	}
	delete(b.subscribers, clientID)
	for filter := range b.filters[clientID] {
		b.tree.Remove(clientID, filter)
	}
	delete(b.filters, clientID)
	b.metrics.SetSubscriptions(b.tree.Len())
}

// Subscribe 添加订阅，并在同一临界区内把匹配的保留消息交给订阅者，
// 因此保留消息总是先于该订阅的实时消息到达。
func (b *Broker) Subscribe(sub Subscriber, subs []Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clientID := sub.ClientID()
	if current, ok := b.subscribers[clientID]; !ok || current != sub {
		b.subscribers[clientID] = sub
	}
	set, ok := b.filters[clientID]
	if !ok {
		set = make(map[string]struct{})
		b.filters[clientID] = set
	}

	for _, s := range subs {
		b.tree.Insert(clientID, s.Filter, s.QoS)
		set[s.Filter] = struct{}{}

		for _, msg := range b.retained.Match(s.Filter) {
			qos := min(msg.QoS, s.QoS)
			if err := sub.Deliver(msg, qos, true); err != nil {
				logger.WarnF("[%s] Fail to deliver retained message on %s, details: %v", clientID, msg.Topic, err)
				b.metrics.MessageDropped("queue_full")
				continue
			}
			b.metrics.MessageDelivered(qos)
		}
	}
	b.metrics.SetSubscriptions(b.tree.Len())
}

// Restore 恢复持久会话的订阅，不重放保留消息
func (b *Broker) Restore(sub Subscriber, subs []Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clientID := sub.ClientID()
	b.subscribers[clientID] = sub
	set, ok := b.filters[clientID]
	if !ok {
		set = make(map[string]struct{})
		b.filters[clientID] = set
	}
	for _, s := range subs {
		b.tree.Insert(clientID, s.Filter, s.QoS)
		set[s.Filter] = struct{}{}
	}
	b.metrics.SetSubscriptions(b.tree.Len())
}

func (b *Broker) Unsubscribe(clientID string, filters []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, filter := range filters {
		b.tree.Remove(clientID, filter)
		delete(b.filters[clientID], filter)
	}
	b.metrics.SetSubscriptions(b.tree.Len())
}

// Publish 路由一条消息并返回投递的副本数。没有订阅者不是错误。
func (b *Broker) Publish(msg *Message) int {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	b.metrics.MessagePublished()

	b.mu.RLock()
	if msg.Retain {
		b.storeRetained(msg)
	}

	delivered := 0
	for clientID, subQoS := range b.tree.Match(msg.Topic) {
		sub, ok := b.subscribers[clientID]
		if !ok {
			continue
		}
		qos := min(msg.QoS, subQoS)
		if err := sub.Deliver(msg, qos, false); err != nil {
			logger.WarnF("[%s] Fail to deliver message on %s, details: %v", clientID, msg.Topic, err)
			b.metrics.MessageDropped("queue_full")
			continue
		}
		b.metrics.MessageDelivered(qos)
		delivered++
	}
	hooks := b.hooks
	b.mu.RUnlock()

	if delivered == 0 {
		b.metrics.MessageDropped("no_subscribers")
	}

	for _, hook := range hooks {
		hook(msg)
	}
	return delivered
}

// storeRetained 更新内存中的保留消息并把持久化操作入队，不会阻塞。
// 内存更新和入队在 pendingMu 下完成，并发发布同一主题时两者顺序一致。
func (b *Broker) storeRetained(msg *Message) {
	if b.backend == nil {
		b.retained.Set(msg)
		b.metrics.SetRetained(b.retained.Len())
		return
	}
	b.pendingMu.Lock()
	deleted := b.retained.Set(msg)
	op := retainedOp{msg: msg.Copy(), del: len(msg.Payload) == 0}
	queued := !op.del || deleted
	if queued {
		if _, ok := b.pending[msg.Topic]; ok {
			b.metrics.MessageDropped("persist_coalesced")
		}
		b.pending[msg.Topic] = op
	}
	b.pendingMu.Unlock()
	b.metrics.SetRetained(b.retained.Len())

	if queued {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Retained 返回匹配过滤器的保留消息
func (b *Broker) Retained(filter string) []*Message {
	return b.retained.Match(filter)
}

func (b *Broker) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}

// Close 停止保留消息的持久化协程
func (b *Broker) Close(_ context.Context) error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
	return nil
}
