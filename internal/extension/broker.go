// Package extension hosts the live-activity and widget registrations that
// third-party processes submit over the IPC surface.
//
// The broker enforces the capability contract: a shared token authorizes
// mutating calls, a per-client token bucket bounds call rates, and capacity
// caps bound concurrent activities and per-client widgets. Payloads are
// opaque JSON passed through to display collaborators; the broker never
// interprets them beyond a size check.
package extension

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"atoll/internal/config"
)

var (
	ErrUnauthorized    = errors.New("extension: invalid token")
	ErrRateLimited     = errors.New("extension: rate limit exceeded")
	ErrCapacity        = errors.New("extension: capacity limit reached")
	ErrPayloadTooLarge = errors.New("extension: payload too large")
	ErrNotFound        = errors.New("extension: no such registration")
	ErrNotOwner        = errors.New("extension: registration belongs to another client")
	ErrEmptyClient     = errors.New("extension: client id required")
)

// Activity is one registered live activity.
type Activity struct {
	ID        string          `json:"id"`
	Client    string          `json:"client"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Widget is one registered lock-screen widget, keyed per client by slot.
type Widget struct {
	Client    string          `json:"client"`
	Slot      string          `json:"slot"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Broker owns the activity and widget registrations. All exported methods
// are safe for concurrent use.
type Broker struct {
	token      string
	maxActs    int
	maxWidgets int
	maxPayload int
	ttl        time.Duration
	perMinute  int
	log        *slog.Logger

	mu         sync.Mutex
	activities map[string]*Activity
	widgets    map[string]map[string]*Widget
	limiters   map[string]*rate.Limiter

	now func() time.Time
}

func New(cfg *config.Config, log *slog.Logger) *Broker {
	ext := cfg.Extensions
	return &Broker{
		token:      ext.Token,
		maxActs:    ext.MaxActivities,
		maxWidgets: ext.MaxWidgetsPerClient,
		maxPayload: ext.MaxPayloadBytes,
		ttl:        time.Duration(ext.ActivityTTLMinutes) * time.Minute,
		perMinute:  ext.RatePerMinute,
		log:        log,
		activities: make(map[string]*Activity),
		widgets:    make(map[string]map[string]*Widget),
		limiters:   make(map[string]*rate.Limiter),
		now:        time.Now,
	}
}

// admit runs the shared gate for mutating calls: client presence, token,
// rate limit, payload size. Callers hold no lock.
func (b *Broker) admit(client, token string, payload json.RawMessage) error {
	if client == "" {
		return ErrEmptyClient
	}
	if b.token != "" && token != b.token {
		return ErrUnauthorized
	}
	if len(payload) > b.maxPayload {
		return ErrPayloadTooLarge
	}

	b.mu.Lock()
	lim := b.limiters[client]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.perMinute)), b.perMinute)
		b.limiters[client] = lim
	}
	b.mu.Unlock()

	if !lim.Allow() {
		return ErrRateLimited
	}
	return nil
}

// RegisterActivity admits a new live activity and returns it with a fresh
// UUID handle.
func (b *Broker) RegisterActivity(client, token, kind string, payload json.RawMessage) (*Activity, error) {
	if err := b.admit(client, token, payload); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	if len(b.activities) >= b.maxActs {
		return nil, ErrCapacity
	}

	now := b.now()
	act := &Activity{
		ID:        uuid.NewString(),
		Client:    client,
		Kind:      kind,
		Payload:   payload,
		StartedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}
	b.activities[act.ID] = act
	b.log.Info("activity registered", "client", client, "kind", kind, "id", act.ID)
	return cloneActivity(act), nil
}

// UpdateActivity replaces an activity's payload and extends its expiry.
func (b *Broker) UpdateActivity(client, token, id string, payload json.RawMessage) (*Activity, error) {
	if err := b.admit(client, token, payload); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	act, ok := b.activities[id]
	if !ok {
		return nil, ErrNotFound
	}
	if act.Client != client {
		return nil, ErrNotOwner
	}

	now := b.now()
	act.Payload = payload
	act.UpdatedAt = now
	act.ExpiresAt = now.Add(b.ttl)
	return cloneActivity(act), nil
}

// EndActivity removes an activity.
func (b *Broker) EndActivity(client, token, id string) error {
	if err := b.admit(client, token, nil); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	act, ok := b.activities[id]
	if !ok {
		return ErrNotFound
	}
	if act.Client != client {
		return ErrNotOwner
	}
	delete(b.activities, id)
	b.log.Info("activity ended", "client", client, "id", id)
	return nil
}

// Activities lists the live activities, expired ones excluded.
func (b *Broker) Activities() []*Activity {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	out := make([]*Activity, 0, len(b.activities))
	for _, act := range b.activities {
		out = append(out, cloneActivity(act))
	}
	return out
}

// SetWidget registers or replaces a client's widget in the named slot.
func (b *Broker) SetWidget(client, token, slot string, payload json.RawMessage) (*Widget, error) {
	if err := b.admit(client, token, payload); err != nil {
		return nil, err
	}
	if slot == "" {
		slot = "default"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	slots := b.widgets[client]
	if slots == nil {
		slots = make(map[string]*Widget)
		b.widgets[client] = slots
	}
	if _, replacing := slots[slot]; !replacing && len(slots) >= b.maxWidgets {
		return nil, ErrCapacity
	}

	w := &Widget{Client: client, Slot: slot, Payload: payload, UpdatedAt: b.now()}
	slots[slot] = w
	return cloneWidget(w), nil
}

// RemoveWidget drops a client's widget from the named slot.
func (b *Broker) RemoveWidget(client, token, slot string) error {
	if err := b.admit(client, token, nil); err != nil {
		return err
	}
	if slot == "" {
		slot = "default"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	slots := b.widgets[client]
	if _, ok := slots[slot]; !ok {
		return ErrNotFound
	}
	delete(slots, slot)
	if len(slots) == 0 {
		delete(b.widgets, client)
	}
	return nil
}

// Widgets lists every registered widget.
func (b *Broker) Widgets() []*Widget {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Widget
	for _, slots := range b.widgets {
		for _, w := range slots {
			out = append(out, cloneWidget(w))
		}
	}
	return out
}

// Sweep drops expired activities; the daemon runs it periodically so stale
// registrations disappear even when nobody lists them.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireLocked()
}

func (b *Broker) expireLocked() int {
	now := b.now()
	n := 0
	for id, act := range b.activities {
		if now.After(act.ExpiresAt) {
			delete(b.activities, id)
			n++
		}
	}
	if n > 0 {
		b.log.Debug("expired stale activities", "count", n)
	}
	return n
}

func cloneActivity(act *Activity) *Activity {
	out := *act
	out.Payload = append(json.RawMessage(nil), act.Payload...)
	return &out
}

func cloneWidget(w *Widget) *Widget {
	out := *w
	out.Payload = append(json.RawMessage(nil), w.Payload...)
	return &out
}
