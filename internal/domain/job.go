package domain

import (
	"time"
)

// Channel represents the notification delivery channel
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// RoutingKey returns the broker routing key for the channel
func (c Channel) RoutingKey() string {
	return string(c)
}

// QueueName returns the broker queue name for the channel
func (c Channel) QueueName() string {
	return string(c) + ".queue"
}

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Job is one notification delivery request consumed off the broker.
// The wire format is snake_case JSON; the recipient field depends on the
// channel: user_email for email jobs, push_token for push jobs.
type Job struct {
	NotificationID string         `json:"notification_id" validate:"required"`
	UserID         string         `json:"user_id" validate:"required"`
	UserEmail      string         `json:"user_email,omitempty"`
	PushToken      string         `json:"push_token,omitempty"`
	TemplateCode   string         `json:"template_code" validate:"required"`
	Variables      map[string]any `json:"variables"`
	Priority       int            `json:"priority" validate:"gte=0,lte=10"`
	RequestID      string         `json:"request_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Platform       Platform       `json:"platform,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	RetryCount     int            `json:"retry_count" validate:"gte=0"`
}

// Recipient returns the channel-specific delivery target.
func (j *Job) Recipient(channel Channel) string {
	if channel == ChannelPush {
		return j.PushToken
	}
	return j.UserEmail
}

// CorrelationID returns the id used to correlate log records for this job:
// the producer's request_id when present, the notification id otherwise.
func (j *Job) CorrelationID() string {
	if j.RequestID != "" {
		return j.RequestID
	}
	return j.NotificationID
}

// StatusRecord is the per-notification status entry kept in the status store.
type StatusRecord struct {
	NotificationID string    `json:"notification_id"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	RetryCount     int       `json:"retry_count"`
	UpdatedAt      time.Time `json:"updated_at"`
	Service        Channel   `json:"service"`
}

// DeadLetterRecord is a terminally failed job as published on the failed
// routing key: the original job fields plus the final error and timestamp.
type DeadLetterRecord struct {
	Job
	FinalError string    `json:"final_error"`
	FailedAt   time.Time `json:"failed_at"`
}

// NewDeadLetterRecord wraps a job for the dead-letter stream.
func NewDeadLetterRecord(job *Job, finalError string) *DeadLetterRecord {
	return &DeadLetterRecord{
		Job:        *job,
		FinalError: finalError,
		FailedAt:   time.Now().UTC(),
	}
}
