package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Connection statuses. Only active connections may authenticate.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusRevoked  = "revoked"
)

// Task statuses.
const (
	TaskOpen      = "open"
	TaskCompleted = "completed"
)

// Hotel is the tenant boundary; every bridge operation is scoped to one.
type Hotel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex"`
	Timezone  string    `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentConnection registers one external caller: its identity, raw Ed25519
// public key (base64), status, and granted scopes.
type AgentConnection struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	HotelID   uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_agent_per_hotel"`
	AgentID   string    `gorm:"size:128;uniqueIndex:idx_agent_per_hotel"`
	PublicKey string    `gorm:"size:128;not null"`
	Status    string    `gorm:"size:16;index;default:active"`
	Scopes    string    `gorm:"type:text"` // JSON-encoded []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentNonce marks one consumed (connection, nonce) pair. The unique index
// is what makes the replay guard's commit an atomic claim under concurrency.
type AgentNonce struct {
	ID           uint      `gorm:"primaryKey"`
	ConnectionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_conn_nonce"`
	Nonce        string    `gorm:"size:255;uniqueIndex:idx_conn_nonce"`
	ExpiresAt    time.Time `gorm:"index"`
	CreatedAt    time.Time
}

// Event is a hotel function or banquet entry exposed to agents.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	HotelID   uuid.UUID `gorm:"type:uuid;index"`
	Name      string    `gorm:"size:255"`
	Space     string    `gorm:"size:128"`
	Covers    int
	StartsAt  time.Time `gorm:"index"`
	EndsAt    time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task is a kitchen-ops work item.
type Task struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	HotelID     uuid.UUID `gorm:"type:uuid;index"`
	Title       string    `gorm:"size:255"`
	Station     string    `gorm:"size:64"`
	Status      string    `gorm:"size:16;index;default:open"`
	DueAt       time.Time `gorm:"index"`
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InventoryLot is one received lot of an inventory item.
type InventoryLot struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	HotelID   uuid.UUID `gorm:"type:uuid;index"`
	Item      string    `gorm:"size:255;index"`
	Unit      string    `gorm:"size:32"`
	Quantity  float64
	ExpiresAt *time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEntry is the append-only record of one authenticated bridge
// operation. Never mutated or deleted by this service.
type AuditEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	HotelID   uuid.UUID `gorm:"type:uuid;index"`
	Entity    string    `gorm:"size:64;index"`
	Action    string    `gorm:"size:64"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Hotel{},
		&AgentConnection{},
		&AgentNonce{},
		&Event{},
		&Task{},
		&InventoryLot{},
		&AuditEntry{},
	)
}
