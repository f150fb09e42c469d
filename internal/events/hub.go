package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/aiwuxian/dice-tavern/internal/models"
)

// subscriberBuffer 订阅通道缓冲大小，写满即丢弃（扇出不保证送达）
const subscriberBuffer = 16

// Subscription 一个战役的订阅句柄
type Subscription struct {
	ID         string
	CampaignID string
	C          <-chan models.BroadcastEvent
	ch         chan models.BroadcastEvent
}

// Hub 按战役扇出的进程内发布/订阅
// 只保证同一发布者的消息按发布顺序到达，不保证跨发布者顺序
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // campaignID -> subID -> sub
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]*Subscription)}
}

// Subscribe 订阅某个战役的广播事件
func (h *Hub) Subscribe(campaignID string) *Subscription {
	sub := &Subscription{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		ch:         make(chan models.BroadcastEvent, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[string]*Subscription)
	}
	h.subs[campaignID][sub.ID] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭通道
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.subs[sub.CampaignID]
	if !ok {
		return
	}
	if _, ok := group[sub.ID]; !ok {
		return
	}
	delete(group, sub.ID)
	if len(group) == 0 {
		delete(h.subs, sub.CampaignID)
	}
	close(sub.ch)
}

// Publish 向战役的所有订阅者广播，慢消费者的事件直接丢弃而不阻塞发布者
func (h *Hub) Publish(campaignID string, event models.BroadcastEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[campaignID] {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount 当前订阅数（用于测试和状态页）
func (h *Hub) SubscriberCount(campaignID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[campaignID])
}
