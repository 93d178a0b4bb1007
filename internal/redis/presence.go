package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/internal/logging"
	"github.com/mossy-p/webrtc-calling/internal/models"
)

const (
	onlineSetKey      = "presence:online"
	presenceKeyPrefix = "presence:user:"
	mirrorQueueSize   = 1024
)

// removeIfOwner deletes a presence hash only while it still names the
// connection going offline, so a newer join on another instance survives.
var removeIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "connectionId") == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// EntrySource lists the presence entries owned by this instance.
type EntrySource interface {
	Entries() []models.PresenceEntry
}

type mirrorOp struct {
	online bool
	entry  models.PresenceEntry
}

// PresenceMirror copies the hub's registry into redis so other instances and
// the REST API can read the online set. Changes are queued without blocking
// and applied in order by Run, which also republishes every owned entry
// before its TTL runs out. Entries of a crashed instance expire within one TTL.
type PresenceMirror struct {
	client *redis.Client
	ttl    time.Duration
	ops    chan mirrorOp
	logger zerolog.Logger
}

func NewPresenceMirror(client *redis.Client, ttl time.Duration) *PresenceMirror {
	return &PresenceMirror{
		client: client,
		ttl:    ttl,
		ops:    make(chan mirrorOp, mirrorQueueSize),
		logger: logging.Module("redis"),
	}
}

func (m *PresenceMirror) UserOnline(entry models.PresenceEntry) {
	m.enqueue(mirrorOp{online: true, entry: entry})
}

func (m *PresenceMirror) UserOffline(entry models.PresenceEntry) {
	m.enqueue(mirrorOp{online: false, entry: entry})
}

func (m *PresenceMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		m.logger.Warn().Str("user_id", op.entry.UserID).Bool("online", op.online).Msg("presence mirror queue full, dropping update")
	}
}

// Run applies queued changes until ctx is done. Every ttl/3 it republishes
// the entries owned by source so connected users never expire.
func (m *PresenceMirror) Run(ctx context.Context, source EntrySource) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.ops:
			if err := m.apply(ctx, op); err != nil {
				m.logger.Error().Err(err).Str("user_id", op.entry.UserID).Msg("presence mirror update failed")
			}
		case <-ticker.C:
			if err := m.refresh(ctx, source.Entries()); err != nil {
				m.logger.Error().Err(err).Msg("presence mirror refresh failed")
			}
		}
	}
}

func (m *PresenceMirror) apply(ctx context.Context, op mirrorOp) error {
	if !op.online {
		key := presenceKeyPrefix + op.entry.UserID
		if err := removeIfOwner.Run(ctx, m.client, []string{key, onlineSetKey}, op.entry.ConnectionID, op.entry.UserID).Err(); err != nil {
			return fmt.Errorf("remove presence: %w", err)
		}
		return nil
	}
	if err := m.write(ctx, []models.PresenceEntry{op.entry}); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// refresh rewrites entries with a fresh TTL. It runs on the Run goroutine, so
// it never overtakes a queued change.
func (m *PresenceMirror) refresh(ctx context.Context, entries []models.PresenceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := m.write(ctx, entries); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	m.logger.Debug().Int("users", len(entries)).Msg("presence refreshed")
	return nil
}

func (m *PresenceMirror) write(ctx context.Context, entries []models.PresenceEntry) error {
	pipe := m.client.TxPipeline()
	for _, e := range entries {
		key := presenceKeyPrefix + e.UserID
		pipe.HSet(ctx, key, map[string]any{
			"userId":       e.UserID,
			"displayName":  e.DisplayName,
			"connectionId": e.ConnectionID,
			"joinedAt":     e.JoinedAt.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, m.ttl)
		pipe.SAdd(ctx, onlineSetKey, e.UserID)
	}
	pipe.Expire(ctx, onlineSetKey, m.ttl*2)
	_, err := pipe.Exec(ctx)
	return err
}

// Online returns the mirrored online set ordered by user id. Members whose
// hash has expired are pruned from the set.
func (m *PresenceMirror) Online(ctx context.Context) ([]models.OnlineUser, error) {
	userIDs, err := m.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(userIDs) == 0 {
		return []models.OnlineUser{}, nil
	}

	pipe := m.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, presenceKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get presence data: %w", err)
	}

	users := make([]models.OnlineUser, 0, len(userIDs))
	var expired []any
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			expired = append(expired, userIDs[i])
			continue
		}
		users = append(users, models.OnlineUser{UserID: fields["userId"], DisplayName: fields["displayName"]})
	}
	if len(expired) > 0 {
		m.client.SRem(ctx, onlineSetKey, expired...)
	}

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users, nil
}
