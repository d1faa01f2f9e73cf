package services

import (
	"context"
	"sync"
	"time"

	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "appstore:notification:"

// ReplayProtection 重放攻击防护
// Claims notification UUIDs so a redelivered notification is processed once.
// Claims live in Redis when a client is configured and in process memory otherwise.
type ReplayProtection struct {
	redis *redis.Client
	ttl   time.Duration

	processedNotifications map[string]time.Time
	mutex                  sync.Mutex
	cleanupInterval        time.Duration
	stopCleanup            chan struct{}
	stopOnce               sync.Once
	now                    func() time.Time
}

// NewReplayProtection 创建重放攻击防护实例
func NewReplayProtection(client *redis.Client, ttl time.Duration) *ReplayProtection {
	rp := &ReplayProtection{
		redis:                  client,
		ttl:                    ttl,
		processedNotifications: make(map[string]time.Time),
		cleanupInterval:        time.Hour, // 每小时清理一次
		stopCleanup:            make(chan struct{}),
		now:                    time.Now,
	}

	// 启动清理协程
	go rp.startCleanupRoutine()

	return rp
}

// Claim records notificationUUID and reports whether the caller is the first
// to see it. An empty UUID cannot be deduplicated and is always claimed.
func (rp *ReplayProtection) Claim(ctx context.Context, notificationUUID string) bool {
	if notificationUUID == "" {
		logging.Infof("Notification UUID is empty, skipping replay check")
		return true
	}

	if rp.redis != nil {
		ok, err := rp.redis.SetNX(ctx, replayKeyPrefix+notificationUUID, rp.now().Unix(), rp.ttl).Result()
		if err == nil {
			if !ok {
				logging.Infof("Replay detected - notification_uuid: %s", notificationUUID)
			}
			return ok
		}
		logging.Warnf("Replay check against Redis failed, using local state - notification_uuid: %s, error: %v", notificationUUID, err)
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	if processedTime, exists := rp.processedNotifications[notificationUUID]; exists && rp.now().Sub(processedTime) < rp.ttl {
		logging.Infof("Replay detected - notification_uuid: %s, previously processed at: %v", notificationUUID, processedTime)
		return false
	}
	rp.processedNotifications[notificationUUID] = rp.now()
	return true
}

// Release forgets a claim so a redelivery of a notification that failed is processed.
func (rp *ReplayProtection) Release(ctx context.Context, notificationUUID string) {
	if notificationUUID == "" {
		return
	}

	if rp.redis != nil {
		if err := rp.redis.Del(ctx, replayKeyPrefix+notificationUUID).Err(); err != nil {
			logging.Warnf("Failed to release replay claim - notification_uuid: %s, error: %v", notificationUUID, err)
		}
	}

	rp.mutex.Lock()
	delete(rp.processedNotifications, notificationUUID)
	rp.mutex.Unlock()
}

// startCleanupRoutine 启动清理协程
func (rp *ReplayProtection) startCleanupRoutine() {
	ticker := time.NewTicker(rp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.cleanup()
		case <-rp.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期的通知记录
func (rp *ReplayProtection) cleanup() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := rp.now()
	initialCount := len(rp.processedNotifications)

	for notificationUUID, processedTime := range rp.processedNotifications {
		if now.Sub(processedTime) > rp.ttl {
			delete(rp.processedNotifications, notificationUUID)
		}
	}

	cleanedCount := initialCount - len(rp.processedNotifications)
	if cleanedCount > 0 {
		logging.Infof("Replay protection cleanup: removed %d expired notifications, remaining: %d", cleanedCount, len(rp.processedNotifications))
	}
}

// Stop 停止清理协程
func (rp *ReplayProtection) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCleanup) })
}
