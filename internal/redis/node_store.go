package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// Node records have no TTL: a provisioned node stays known until it is
// explicitly reset out of the network. Presence is a soft observation and
// ages out on its own.
const presenceTTL = 10 * time.Minute

func nodeKey(addr uint16) string { return fmt.Sprintf("mesh:node:0x%04X", addr) }

const (
	nodeIndexKey    = "mesh:nodes"
	cursorKey       = "mesh:address:cursor"
	networkStateKey = "mesh:network:state"
)

// NodeStore is the gateway's registry of provisioned nodes plus the two
// pieces of state that must survive a restart: the unicast address cursor
// and the exported mesh network blob the bridge reloads from.
type NodeStore interface {
	SetNode(ctx context.Context, node *domain.MeshNode) error
	GetNode(ctx context.Context, addr uint16) (*domain.MeshNode, error)
	DeleteNode(ctx context.Context, addr uint16) error
	ListNodes(ctx context.Context) ([]*domain.MeshNode, error)
	SetState(ctx context.Context, addr uint16, state domain.NodeState) error

	Cursor(ctx context.Context) (uint16, error)
	SetCursor(ctx context.Context, next uint16) error

	NetworkState(ctx context.Context) ([]byte, error)
	SaveNetworkState(ctx context.Context, blob []byte) error
}

type nodeStore struct {
	client *redis.Client
}

// NewNodeStore creates a Redis-backed NodeStore.
func NewNodeStore(client *redis.Client) NodeStore {
	return &nodeStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *nodeStore) SetNode(ctx context.Context, node *domain.MeshNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, nodeKey(node.Address), data, 0)
	pipe.SAdd(ctx, nodeIndexKey, node.Address)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set node 0x%04X: %w", node.Address, err)
	}
	return nil
}

func (s *nodeStore) GetNode(ctx context.Context, addr uint16) (*domain.MeshNode, error) {
	data, err := s.client.Get(ctx, nodeKey(addr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NodeNotFoundError{Address: addr}
		}
		return nil, fmt.Errorf("redis get node 0x%04X: %w", addr, err)
	}
	var node domain.MeshNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &node, nil
}

func (s *nodeStore) DeleteNode(ctx context.Context, addr uint16) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, nodeKey(addr))
	pipe.SRem(ctx, nodeIndexKey, addr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete node 0x%04X: %w", addr, err)
	}
	return nil
}

func (s *nodeStore) ListNodes(ctx context.Context) ([]*domain.MeshNode, error) {
	members, err := s.client.SMembers(ctx, nodeIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list nodes: %w", err)
	}
	nodes := make([]*domain.MeshNode, 0, len(members))
	for _, m := range members {
		addr, err := strconv.ParseUint(m, 10, 16)
		if err != nil {
			continue // stray index entry, skip
		}
		node, err := s.GetNode(ctx, uint16(addr))
		if err != nil {
			var notFound *domain.NodeNotFoundError
			if errors.As(err, &notFound) {
				// Index entry without a record; repair lazily.
				_ = s.client.SRem(ctx, nodeIndexKey, m).Err()
				continue
			}
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (s *nodeStore) SetState(ctx context.Context, addr uint16, state domain.NodeState) error {
	node, err := s.GetNode(ctx, addr)
	if err != nil {
		return err
	}
	node.State = state
	if state == domain.NodeOnline {
		node.LastSeen = time.Now().UTC()
		// Presence marker lets other consumers check liveness cheaply.
		if err := s.client.Set(ctx, nodeKey(addr)+":seen", 1, presenceTTL).Err(); err != nil {
			return fmt.Errorf("redis set presence for 0x%04X: %w", addr, err)
		}
	}
	return s.SetNode(ctx, node)
}

func (s *nodeStore) Cursor(ctx context.Context) (uint16, error) {
	val, err := s.client.Get(ctx, cursorKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.UnicastMin, nil
		}
		return 0, fmt.Errorf("redis get address cursor: %w", err)
	}
	next, err := strconv.ParseUint(val, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("corrupt address cursor %q: %w", val, err)
	}
	return uint16(next), nil
}

func (s *nodeStore) SetCursor(ctx context.Context, next uint16) error {
	if err := s.client.Set(ctx, cursorKey, uint64(next), 0).Err(); err != nil {
		return fmt.Errorf("redis set address cursor: %w", err)
	}
	return nil
}

func (s *nodeStore) NetworkState(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, networkStateKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // no saved network yet
		}
		return nil, fmt.Errorf("redis get network state: %w", err)
	}
	return data, nil
}

func (s *nodeStore) SaveNetworkState(ctx context.Context, blob []byte) error {
	if err := s.client.Set(ctx, networkStateKey, blob, 0).Err(); err != nil {
		return fmt.Errorf("redis save network state: %w", err)
	}
	return nil
}
