package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/ewancrowle/sniporter/internal/config"
	"github.com/ewancrowle/sniporter/internal/metrics"
	"github.com/ewancrowle/sniporter/internal/strategy"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sniporter:routes:"

type Action string

const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
)

// Message is the payload published on the sync channel. Origin identifies
// the publishing instance so it can ignore its own messages.
type Message struct {
	Action Action         `json:"action"`
	Route  strategy.Route `json:"route"`
	Origin string         `json:"origin,omitempty"`
}

type RedisSync struct {
	id      string
	client  *redis.Client
	channel string
	manager *strategy.StrategyManager
	metrics *metrics.Registry
}

func NewRedisSync(cfg *config.Config, manager *strategy.StrategyManager, m *metrics.Registry) *RedisSync {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &RedisSync{
		id:      uuid.NewString(),
		client:  client,
		channel: cfg.Redis.Channel,
		manager: manager,
		metrics: m,
	}
}

func routesKey(t strategy.StrategyType) string {
	return keyPrefix + string(t)
}

// LoadInitialRoutes reads the persisted route hash of every registered
// strategy, e.g. "sniporter:routes:simple".
func (s *RedisSync) LoadInitialRoutes(ctx context.Context) error {
	if s == nil {
		return nil
	}

	for _, t := range s.manager.Types() {
		routes, err := s.client.HGetAll(ctx, routesKey(t)).Result()
		if err != nil {
			return err
		}
		for fqdn, target := range routes {
			route := strategy.Route{FQDN: fqdn, Type: t, Target: target}
			if err := s.manager.Apply(route); err != nil {
				log.Printf("Skipping route from Redis %s -> %s (%s): %v", fqdn, target, t, err)
				continue
			}
			s.count("load", ActionSet)
			log.Printf("Loaded route from Redis: %s -> %s (%s)", fqdn, target, t)
		}
	}

	return nil
}

func (s *RedisSync) PublishUpdate(ctx context.Context, route strategy.Route) error {
	if s == nil {
		return nil
	}

	if err := s.client.HSet(ctx, routesKey(route.Type), strategy.Normalize(route.FQDN), route.Target).Err(); err != nil {
		return err
	}
	return s.publish(ctx, Message{Action: ActionSet, Route: route})
}

func (s *RedisSync) PublishDelete(ctx context.Context, t strategy.StrategyType, fqdn string) error {
	if s == nil {
		return nil
	}

	if err := s.client.HDel(ctx, routesKey(t), strategy.Normalize(fqdn)).Err(); err != nil {
		return err
	}
	return s.publish(ctx, Message{Action: ActionDelete, Route: strategy.Route{FQDN: fqdn, Type: t}})
}

func (s *RedisSync) publish(ctx context.Context, msg Message) error {
	msg.Origin = s.id
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, data).Err()
}

// Subscribe applies route changes published by other instances until ctx is
// cancelled.
func (s *RedisSync) Subscribe(ctx context.Context) {
	if s == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := s.handle([]byte(msg.Payload)); err != nil {
				log.Printf("Error applying sync message: %v", err)
			}
		}
	}
}

// Close releases the Redis client.
func (s *RedisSync) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// handle applies a message received on the channel. Messages this instance
// published were already applied locally and are skipped.
func (s *RedisSync) handle(payload []byte) error {
	m, err := decodeMessage(payload)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if m.Origin != "" && m.Origin == s.id {
		return nil
	}
	log.Printf("Syncing route update from Redis: %s %s -> %s (%s)", m.Action, m.Route.FQDN, m.Route.Target, m.Route.Type)
	return s.apply(m)
}

func (s *RedisSync) apply(m Message) error {
	switch m.Action {
	case ActionSet:
		if err := s.manager.Apply(m.Route); err != nil {
			return err
		}
	case ActionDelete:
		if _, err := s.manager.Remove(m.Route.Type, m.Route.FQDN); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown sync action %q", m.Action)
	}
	s.count("redis", m.Action)
	return nil
}

func (s *RedisSync) count(source string, action Action) {
	if s.metrics != nil {
		s.metrics.RouteUpdates.WithLabelValues(source, string(action)).Inc()
	}
}

// decodeMessage also accepts a bare Route, as published by older versions,
// and treats it as a set.
func decodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, err
	}
	if m.Action != "" {
		return m, nil
	}

	var route strategy.Route
	if err := json.Unmarshal(payload, &route); err != nil {
		return Message{}, err
	}
	if route.FQDN == "" {
		return Message{}, errors.New("sync message has no action or route")
	}
	return Message{Action: ActionSet, Route: route}, nil
}
