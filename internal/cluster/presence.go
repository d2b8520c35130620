package cluster

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"dmchat/internal/live"
)

const keyPrefix = "dmchat:presence:"

// presence key: dmchat:presence:<userID>
// value: id of the gateway holding the user's live connection. The TTL
// bounds how long a crashed gateway's entries linger.
func presenceKey(userID int64) string { return keyPrefix + strconv.FormatInt(userID, 10) }

// Deleting only while the value still names this gateway keeps a late
// offline from wiping a newer registration made on another gateway.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Presence stores which gateway owns each online user in Redis.
type Presence struct {
	rdb       *redis.Client
	gatewayID string
	ttl       time.Duration
}

func NewPresence(rdb *redis.Client, gatewayID string, ttl time.Duration) *Presence {
	return &Presence{rdb: rdb, gatewayID: gatewayID, ttl: ttl}
}

// Dial connects to Redis from a redis:// URL and checks the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

// Online claims userID for this gateway and renews the TTL.
func (p *Presence) Online(ctx context.Context, userID int64) error {
	return errors.Wrapf(p.rdb.Set(ctx, presenceKey(userID), p.gatewayID, p.ttl).Err(), "presence online %d", userID)
}

// Refresh is Online under another name; called on websocket pongs.
func (p *Presence) Refresh(ctx context.Context, userID int64) error {
	return p.Online(ctx, userID)
}

// Offline releases userID if this gateway still owns it.
func (p *Presence) Offline(ctx context.Context, userID int64) error {
	err := releaseScript.Run(ctx, p.rdb, []string{presenceKey(userID)}, p.gatewayID).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return errors.Wrapf(err, "presence offline %d", userID)
}

// Lookup returns the gateway that owns userID.
func (p *Presence) Lookup(ctx context.Context, userID int64) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "presence lookup %d", userID)
	}
	return val, true, nil
}

var _ live.PresenceStore = (*Presence)(nil)
