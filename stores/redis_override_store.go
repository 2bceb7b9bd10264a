package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/logger"
)

// RedisOverrideStore keeps direct permissions in a per-user Redis hash
// (key: "dp:{userID}", field: "{permissionID}/{overrideID}"), so a user's
// full override set can be pre-warmed with one HGETALL. A side hash
// ("dp:idx") maps override id to user id so Revoke takes the same shape as
// the memory and SQL stores.
type RedisOverrideStore struct {
	client *redis.Client
	keyFmt string
	idxKey string
	log    logger.Logger
}

func NewRedisOverrideStore(client *redis.Client) *RedisOverrideStore {
	return &RedisOverrideStore{client: client, keyFmt: "dp:%s", idxKey: "dp:idx", log: logger.Nop{}}
}

// SetLogger installs a logger for override-conflict anomalies.
func (r *RedisOverrideStore) SetLogger(l logger.Logger) { r.log = l }

func (r *RedisOverrideStore) key(userID string) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func field(d *permit.DirectPermission) string {
	return d.PermissionID + "/" + d.ID
}

func (r *RedisOverrideStore) Grant(ctx context.Context, d *permit.DirectPermission) error {
	if d.Justification == "" {
		return permit.ErrJustificationRequired
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key(d.UserID), field(d), string(data)).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, r.idxKey, d.ID, d.UserID).Err()
}

// Revoke deactivates an override in place, keeping the record.
func (r *RedisOverrideStore) Revoke(ctx context.Context, id string) error {
	userID, err := r.client.HGet(ctx, r.idxKey, id).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	all, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return err
	}
	for f, raw := range all {
		if !strings.HasSuffix(f, "/"+id) {
			continue
		}
		var d permit.DirectPermission
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return err
		}
		d.Active = false
		data, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		return r.client.HSet(ctx, r.key(userID), f, string(data)).Err()
	}
	return nil
}

func (r *RedisOverrideStore) CurrentOverride(ctx context.Context, userID, permissionID string, asOf time.Time) (*permit.DirectPermission, error) {
	all, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	overrides := make([]*permit.DirectPermission, 0, 2)
	prefix := permissionID + "/"
	for f, raw := range all {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		var d permit.DirectPermission
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		overrides = append(overrides, &d)
	}
	cur, live := permit.SelectCurrent(overrides, asOf)
	if live > 1 {
		r.log.Error("override conflict",
			"user_id", userID,
			"permission_id", permissionID,
			"active", live,
			"selected", cur.ID)
	}
	return cur, nil
}

func (r *RedisOverrideStore) ListOverrides(ctx context.Context, userID string) ([]*permit.DirectPermission, error) {
	all, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*permit.DirectPermission, 0, len(all))
	for _, raw := range all {
		var d permit.DirectPermission
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}
