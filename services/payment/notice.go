package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokenplane/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Notice is the caller-facing record of the last terminal payment failure
// for a member. Notices live in redis under a bounded TTL so an unresolved
// transient failure clears itself instead of leaving the member stuck.
type Notice struct {
	MemberID    string    `json:"member_id"`
	ReferenceID string    `json:"reference_id"`
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
	Remediation string    `json:"remediation"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

type NoticeStore struct {
	rdb *redis.Client
	ttl time.Duration
}

type NoticeStoreParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client
}

func NewNoticeStore(p NoticeStoreParams) *NoticeStore {
	return &NoticeStore{
		rdb: p.Redis,
		ttl: p.Config.Settlement.NoticeTTL,
	}
}

func noticeKey(memberID string) string {
	return fmt.Sprintf("payment:notice:%s", memberID)
}

func (s *NoticeStore) Put(ctx context.Context, notice *Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, noticeKey(notice.MemberID), payload, s.ttl).Err()
}

// Get returns the member's current notice, or nil when none is pending.
func (s *NoticeStore) Get(ctx context.Context, memberID string) (*Notice, error) {
	payload, err := s.rdb.Get(ctx, noticeKey(memberID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var notice Notice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return nil, err
	}
	return &notice, nil
}

func (s *NoticeStore) Clear(ctx context.Context, memberID string) error {
	return s.rdb.Del(ctx, noticeKey(memberID)).Err()
}
