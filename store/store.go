// Package store holds the tenant-scoped data operations the bridge exposes
// to agents, plus connection registry lookups and the audit trail.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rai1001/chefos/models"
)

// Caps per operation. Responses never exceed these regardless of row count.
const (
	EventsCap    = 50
	TasksCap     = 100
	InventoryCap = 200
)

var (
	// ErrConnectionNotFound covers both unknown identities and connections
	// that are not active; the bridge does not distinguish them to callers.
	ErrConnectionNotFound = errors.New("agent connection not found or inactive")
	// ErrTaskNotFound is returned when a task id does not exist in the
	// caller's tenant. A valid id from another tenant reports the same.
	ErrTaskNotFound = errors.New("task not found")
)

// Store wraps the gorm handle with the bridge's query surface.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New builds a Store. nowFn may be nil for the wall clock.
func New(db *gorm.DB, nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{db: db, now: nowFn}
}

// DB exposes the underlying handle for composition (replay store, admin API).
func (s *Store) DB() *gorm.DB { return s.db }

// ActiveConnections lists the active connections registered under a
// caller-chosen identity, oldest first. Agent ids are unique per hotel, not
// globally, so one identity may resolve to connections in several tenants;
// the bridge disambiguates by signature. Inactive and revoked connections
// are invisible here.
func (s *Store) ActiveConnections(ctx context.Context, agentID string) ([]models.AgentConnection, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, ErrConnectionNotFound
	}
	var conns []models.AgentConnection
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, models.StatusActive).
		Order("created_at asc").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("lookup connections: %w", err)
	}
	if len(conns) == 0 {
		return nil, ErrConnectionNotFound
	}
	return conns, nil
}

// ConnectionScopes decodes the JSON-encoded scope grant of a connection.
func ConnectionScopes(conn *models.AgentConnection) []string {
	if conn == nil || strings.TrimSpace(conn.Scopes) == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(conn.Scopes), &scopes); err != nil {
		return nil
	}
	return scopes
}

// EncodeScopes serialises a scope grant for persistence.
func EncodeScopes(scopes []string) string {
	if len(scopes) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(scopes)
	return string(raw)
}

// ListUpcomingEvents returns the hotel's events starting at or after now,
// soonest first, capped at EventsCap.
func (s *Store) ListUpcomingEvents(ctx context.Context, hotelID uuid.UUID) ([]models.Event, error) {
	var events []models.Event
	err := s.db.WithContext(ctx).
		Where("hotel_id = ? AND starts_at >= ?", hotelID, s.now()).
		Order("starts_at asc").
		Limit(EventsCap).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// ListOpenTasks returns the hotel's open tasks, earliest due first, capped
// at TasksCap.
func (s *Store) ListOpenTasks(ctx context.Context, hotelID uuid.UUID) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.WithContext(ctx).
		Where("hotel_id = ? AND status = ?", hotelID, models.TaskOpen).
		Order("due_at asc").
		Limit(TasksCap).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CompleteTask marks a task completed. The update is filtered by hotel as
// well as id, so a caller can never complete another tenant's task even with
// a valid identifier.
func (s *Store) CompleteTask(ctx context.Context, hotelID, taskID uuid.UUID) (*models.Task, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND hotel_id = ? AND status = ?", taskID, hotelID, models.TaskOpen).
		Updates(map[string]any{"status": models.TaskCompleted, "completed_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("complete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrTaskNotFound
	}
	var task models.Task
	if err := s.db.WithContext(ctx).Where("id = ? AND hotel_id = ?", taskID, hotelID).First(&task).Error; err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	return &task, nil
}

// ListInStockLots returns the hotel's lots with positive quantity, capped at
// InventoryCap.
func (s *Store) ListInStockLots(ctx context.Context, hotelID uuid.UUID) ([]models.InventoryLot, error) {
	var lots []models.InventoryLot
	err := s.db.WithContext(ctx).
		Where("hotel_id = ? AND quantity > 0", hotelID).
		Order("item asc").
		Limit(InventoryCap).
		Find(&lots).Error
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	return lots, nil
}

// AuditPayload is the snapshot recorded with every bridge operation.
type AuditPayload struct {
	AgentID string `json:"agent_id"`
	Method  string `json:"method"`
	Path    string `json:"path"`
}

// AppendAudit writes one append-only audit entry for an authenticated
// operation.
func (s *Store) AppendAudit(ctx context.Context, hotelID uuid.UUID, action string, payload AuditPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	entry := models.AuditEntry{
		ID:      uuid.New(),
		HotelID: hotelID,
		Entity:  "agent_bridge",
		Action:  action,
		Payload: string(raw),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
