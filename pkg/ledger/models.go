package ledger

import (
	"time"
)

type ChannelStatus string

const (
	ChannelActive   ChannelStatus = "active"
	ChannelExpiring ChannelStatus = "expiring"
	ChannelReplaced ChannelStatus = "replaced"
)

// Channel is one push-notification subscription for one watched folder.
// ChannelID and ResourceID are the opaque identifiers minted by the drive
// notification system; ChangeCursor is the last consumed change-list position.
type Channel struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ChannelID     string    `gorm:"uniqueIndex"`
	ResourceID    string    `gorm:"index"`
	FolderID      string    `gorm:"index"`
	ExpiresAt     time.Time `gorm:"index"`
	ChangeCursor  string
	CursorVersion int64
	Status        ChannelStatus `gorm:"index"`
}

type FileStatus string

const (
	FileClaimed   FileStatus = "claimed"
	FileSucceeded FileStatus = "succeeded"
	FileFailed    FileStatus = "failed"
)

// ProcessedFile records the outcome of delivering one (file, revision) pair
// to the ingestion service. The composite unique index doubles as the claim
// lock: at most one row exists per pair, and status transitions on that row
// are the mutual-exclusion primitive.
type ProcessedFile struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FileID       string `gorm:"uniqueIndex:idx_file_revision"`
	FileRevision string `gorm:"uniqueIndex:idx_file_revision"`
	FileName     string
	FolderID     string     `gorm:"index"`
	Status       FileStatus `gorm:"index"`
	AttemptCount int
	ClaimedAt    time.Time
	CompletedAt  *time.Time
	LastError    string
}
