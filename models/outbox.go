package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReportingOutboxRecord is the transactional-outbox row backing the
// reporting feed. The row is written inside the caller's DB transaction;
// the dispatcher publishes it to Pub/Sub after commit. A rolled-back
// transaction therefore never leaks a reporting event.
type ReportingOutboxRecord struct {
	ID            int                    `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventTime     time.Time              `gorm:"index;not null" json:"event_time"`
	ReferenceId   int                    `gorm:"index" json:"reference_id"`
	ReferenceType ReportingReferenceType `gorm:"type:enum('IV','PM')" json:"reference_type"`
	Action        ReportingAction        `gorm:"type:enum('Confirmed','Cancelled','Finalized','Applied')" json:"action"`
	Payload       []byte                 `gorm:"type:blob" json:"payload"`
	IsProcessed   bool                   `gorm:"index;not null" json:"is_processed"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|FAILED|PUBLISHED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToReportingMessage(record ReportingOutboxRecord) config.ReportingMessage {
	return config.ReportingMessage{
		ID:            record.ID,
		EventTime:     record.EventTime,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Action:        string(record.Action),
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// PublishToReporting writes the outbox record inside the caller's DB
// transaction but does NOT publish to Pub/Sub. Publishing is performed
// asynchronously by the outbox dispatcher after commit.
func PublishToReporting(ctx context.Context, db *gorm.DB, eventTime time.Time, refId int, refType ReportingReferenceType, action ReportingAction, obj interface{}) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	record := ReportingOutboxRecord{
		EventTime:     eventTime,
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		Payload:       payload,
		IsProcessed:   false,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return db.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
