package storage

import "time"

type Chat struct {
	ID        int64
	Type      string
	Title     string
	CreatedAt time.Time
}

// UserEnergy is the durable copy of a user's energy record. Redis holds
// the hot copy; this row survives cache eviction and restarts.
type UserEnergy struct {
	ChatID        int64
	UserID        int64
	Energy        int
	LastRequestAt time.Time
}

type QuotaConfig struct {
	ChatID         int64
	LimitPerWindow int64
	UpdatedAt      time.Time
}

type Reputation struct {
	ChatID    int64
	UserID    int64
	Score     int64
	ReadOnly  bool
	UpdatedAt time.Time
}

type ReputationEvent struct {
	ID         int64
	ChatID     int64
	UserID     int64
	Delta      int64
	Reason     string
	ScoreAfter int64
	CreatedAt  time.Time
}

type ProtectionState struct {
	ChatID      int64
	DefconLevel int
	PanicActive bool
	PanicReason string
	PanicUntil  *time.Time
	UpdatedAt   time.Time
}

type ProtectionProfile struct {
	ChatID    int64
	Preset    string
	FlagsJSON string
	UpdatedAt time.Time
}

// SilentBan keeps the challenge answer envelope-encrypted at rest.
type SilentBan struct {
	ID            int64
	ChatID        int64
	UserID        int64
	Reason        string
	Score         float64
	EncAnswer     string
	ChallengeText string
	CreatedAt     time.Time
}

type AuditEntry struct {
	ChatID   int64
	UserID   int64
	Action   string
	MetaJSON string
}
