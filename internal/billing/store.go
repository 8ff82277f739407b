package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
)

const permissionKeyPrefix = "billing:permission:"

var ErrNotFound = errors.New("permission not found")

// Record is a registered authorization plus service-side settings.
type Record struct {
	Authorization permission.Authorization `json:"authorization"`
	AutoCharge    bool                     `json:"auto_charge"`
	CreatedAt     int64                    `json:"created_at"`
}

// Store keeps authorizations in one Redis hash per permission hash.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func permissionKey(hash string) string {
	return permissionKeyPrefix + hash
}

func (s *Store) Save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec.Authorization)
	if err != nil {
		return fmt.Errorf("marshal authorization: %w", err)
	}
	p := rec.Authorization.Permission
	return s.rdb.HSet(ctx, permissionKey(rec.Authorization.HashHex()),
		"authorization", raw,
		"account", p.Account.Hex(),
		"spender", p.Spender.Hex(),
		"auto_charge", rec.AutoCharge,
		"created_at", rec.CreatedAt,
	).Err()
}

// Get returns ErrNotFound when nothing is registered under hash.
func (s *Store) Get(ctx context.Context, hash string) (*Record, error) {
	vals, err := s.rdb.HGetAll(ctx, permissionKey(hash)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return recordFromMap(vals)
}

func (s *Store) SetAutoCharge(ctx context.Context, hash string, on bool) error {
	n, err := s.rdb.Exists(ctx, permissionKey(hash)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.rdb.HSet(ctx, permissionKey(hash), "auto_charge", on).Err()
}

func (s *Store) Delete(ctx context.Context, hash string) error {
	return s.rdb.Del(ctx, permissionKey(hash)).Err()
}

// ScanAll returns every registered record. Unreadable entries are skipped.
func (s *Store) ScanAll(ctx context.Context) ([]Record, error) {
	var recs []Record
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, permissionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan permissions: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			rec, err := recordFromMap(vals)
			if err != nil {
				continue
			}
			recs = append(recs, *rec)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return recs, nil
}

func recordFromMap(m map[string]string) (*Record, error) {
	var a permission.Authorization
	if err := json.Unmarshal([]byte(m["authorization"]), &a); err != nil {
		return nil, fmt.Errorf("decode authorization: %w", err)
	}
	autoCharge, _ := strconv.ParseBool(m["auto_charge"])
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	return &Record{Authorization: a, AutoCharge: autoCharge, CreatedAt: createdAt}, nil
}
