// Package notification stores per-user inbox notifications and fans them out
// to SMS and Kafka. Callers never see delivery failures.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Category groups notifications in the inbox.
type Category string

const (
	CategoryAppointment   Category = "appointment"
	CategoryPrescription  Category = "prescription"
	CategoryPayment       Category = "payment"
	CategoryQueue         Category = "queue"
	CategoryMedicalRecord Category = "medical_record"
	CategoryStock         Category = "stock"
	CategorySystem        Category = "system"
)

var validCategories = map[Category]bool{
	CategoryAppointment:   true,
	CategoryPrescription:  true,
	CategoryPayment:       true,
	CategoryQueue:         true,
	CategoryMedicalRecord: true,
	CategoryStock:         true,
	CategorySystem:        true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return validCategories[c] }

// ErrNotFound is returned when a notification does not exist for the user.
var ErrNotFound = errors.New("notification not found")

// Message is what a service hands to the notifier.
type Message struct {
	UserID   uuid.UUID
	Category Category
	Title    string
	Message  string
	Data     map[string]interface{}
}

// Notification is a stored inbox entry.
type Notification struct {
	ID        uuid.UUID              `json:"id"`
	UserID    uuid.UUID              `json:"user_id"`
	Category  Category               `json:"category"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt time.Time              `json:"created_at"`
	ReadAt    *time.Time             `json:"read_at,omitempty"`
}

// Notifier accepts notifications fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
	NotifyTemplate(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string)
}

// Store persists inbox entries.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PhoneLookup resolves the phone number of a user. An empty number skips SMS.
type PhoneLookup interface {
	PhoneForUser(ctx context.Context, userID uuid.UUID) (string, error)
}

// Publisher forwards stored notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, n *Notification) error
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

const deliveryTimeout = 10 * time.Second

// Dispatcher writes every notification to the store and then, in the
// background, to the optional SMS and publisher channels.
type Dispatcher struct {
	store     Store
	templates *TemplateEngine
	logger    zerolog.Logger

	sms        SMSSender
	phones     PhoneLookup
	publishers []Publisher

	wg  sync.WaitGroup
	now func() time.Time
}

// NewDispatcher constructs a Dispatcher. templates may be nil, in which case
// the built-in set is used.
func NewDispatcher(store Store, templates *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Dispatcher{
		store:     store,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
		now:       time.Now,
	}
}

// WithSMS enables SMS delivery for users that have a phone number.
func (d *Dispatcher) WithSMS(sender SMSSender, phones PhoneLookup) *Dispatcher {
	d.sms = sender
	d.phones = phones
	return d
}

// WithPublisher adds a channel that receives every stored notification.
// Publishers are called in the order they were added.
func (d *Dispatcher) WithPublisher(p Publisher) *Dispatcher {
	d.publishers = append(d.publishers, p)
	return d
}

// Notify stores msg and schedules external delivery.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	if msg.UserID == uuid.Nil {
		d.logger.Warn().Str("title", msg.Title).Msg("notification without recipient dropped")
		return
	}
	if !msg.Category.Valid() {
		msg.Category = CategorySystem
	}

	n := &Notification{
		ID:        uuid.New(),
		UserID:    msg.UserID,
		Category:  msg.Category,
		Title:     msg.Title,
		Message:   msg.Message,
		Data:      msg.Data,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.Create(ctx, n); err != nil {
		d.logger.Error().Err(err).
			Str("user_id", n.UserID.String()).
			Str("category", string(n.Category)).
			Msg("failed to store notification")
		return
	}

	if d.sms == nil && len(d.publishers) == 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		d.deliver(bg, n)
	}()
}

// NotifyTemplate renders templateID and notifies userID.
func (d *Dispatcher) NotifyTemplate(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string) {
	msg, err := d.templates.Compose(userID, templateID, data)
	if err != nil {
		d.logger.Error().Err(err).Str("template", templateID).Msg("failed to render notification")
		return
	}
	d.Notify(ctx, msg)
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	if d.sms != nil && d.phones != nil {
		if err := d.sendSMS(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("sms delivery failed")
		}
	}
	for _, p := range d.publishers {
		if err := p.Publish(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("publish failed")
		}
	}
}

func (d *Dispatcher) sendSMS(ctx context.Context, n *Notification) error {
	phone, err := d.phones.PhoneForUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("lookup phone: %w", err)
	}
	if phone == "" {
		return nil
	}
	return d.sms.SendSMS(ctx, phone, n.Title+": "+n.Message)
}

// Wait blocks until background deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[uuid.UUID]*Notification)}
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	s.items[n.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Notification
	for _, n := range s.items {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok || n.UserID != userID {
		return ErrNotFound
	}
	if !n.IsRead {
		now := time.Now().UTC()
		n.IsRead = true
		n.ReadAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	now := time.Now().UTC()
	for _, n := range s.items {
		if n.UserID == userID && !n.IsRead {
			n.IsRead = true
			n.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.items {
		if n.UserID == userID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

// SendSMS records the call and optionally returns an error.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
