// ABOUTME: Direct-message room directory for one Matrix session
// ABOUTME: Maps peer users to DM rooms, persisted in the tenant dir, and caches room sizes

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// roomsFile stores the DM room directory inside a tenant directory.
const roomsFile = "rooms.json"

// memberCacheTTL bounds how long a room's member count is trusted.
const memberCacheTTL = 10 * time.Minute

type memberCount struct {
	count   int
	fetched time.Time
}

type roomDirectory struct {
	client *mautrix.Client
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	direct  map[string]string
	members map[id.RoomID]memberCount
}

func newRoomDirectory(client *mautrix.Client, dir string, logger *slog.Logger) *roomDirectory {
	return &roomDirectory{
		client:  client,
		path:    filepath.Join(dir, roomsFile),
		logger:  logger,
		direct:  make(map[string]string),
		members: make(map[id.RoomID]memberCount),
	}
}

func (r *roomDirectory) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	direct := make(map[string]string)
	if err := json.Unmarshal(data, &direct); err != nil {
		return fmt.Errorf("parsing %s: %w", roomsFile, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for user, room := range direct {
		r.direct[user] = room
	}
	return nil
}

func (r *roomDirectory) saveLocked() {
	data, err := json.MarshalIndent(r.direct, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		r.logger.Warn("saving room directory", "error", err)
	}
}

// remember records roomID as the DM room with user.
func (r *roomDirectory) remember(user id.UserID, roomID id.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[user.String()] = roomID.String()
	r.saveLocked()
}

// resolve returns the room to send to: room ids as is, users through their
// DM room, created on first use.
func (r *roomDirectory) resolve(ctx context.Context, target string) (id.RoomID, error) {
	if isRoomID(target) {
		return id.RoomID(target), nil
	}

	r.mu.Lock()
	room, ok := r.direct[target]
	r.mu.Unlock()
	if ok {
		return id.RoomID(room), nil
	}

	resp, err := r.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{id.UserID(target)},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room with %s: %w", target, err)
	}
	r.logger.Info("created direct room", "peer", target, "room", resp.RoomID.String())

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.direct[target]; ok {
		// lost a race with a concurrent send
		return id.RoomID(existing), nil
	}
	r.direct[target] = resp.RoomID.String()
	r.members[resp.RoomID] = memberCount{count: 2, fetched: time.Now()}
	r.saveLocked()
	return resp.RoomID, nil
}

// isGroup reports whether the room has more than two joined members.
func (r *roomDirectory) isGroup(ctx context.Context, roomID id.RoomID) bool {
	r.mu.Lock()
	mc, ok := r.members[roomID]
	r.mu.Unlock()
	if ok && time.Since(mc.fetched) < memberCacheTTL {
		return mc.count > 2
	}

	lookupCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	resp, err := r.client.JoinedMembers(lookupCtx, roomID)
	if err != nil {
		r.logger.Debug("fetching room members", "room", roomID.String(), "error", err)
		return ok && mc.count > 2
	}

	r.mu.Lock()
	r.members[roomID] = memberCount{count: len(resp.Joined), fetched: time.Now()}
	r.mu.Unlock()
	return len(resp.Joined) > 2
}
