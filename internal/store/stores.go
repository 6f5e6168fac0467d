package store

import (
	"context"
	"errors"
	"time"
)

// Typed domain errors raised by Config Store implementations.
var (
	ErrInstanceNotFound = errors.New("store: instance not found")
	ErrInstanceConflict = errors.New("store: instance name already exists")
	ErrSoleInstance     = errors.New("store: cannot delete the sole remaining instance")
	ErrRuleNotFound     = errors.New("store: access rule not found")
	ErrTraceNotFound    = errors.New("store: trace not found")
)

// InstanceStore is transactional CRUD over InstanceConfig.
type InstanceStore interface {
	Create(ctx context.Context, cfg InstanceConfig) error
	Get(ctx context.Context, name string) (InstanceConfig, error)
	List(ctx context.Context) ([]InstanceConfig, error)
	Update(ctx context.Context, cfg InstanceConfig) error
	// Delete removes the instance. Returns ErrSoleInstance if it is the
	// only remaining instance in the store.
	Delete(ctx context.Context, name string) error
}

// UserStore is CRUD over User and the race-safe UserExternalID link table
// that the Identity Resolver (C5) is built on.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)

	// LookupExternalID returns the linked user_id for (provider, externalID),
	// or ("", false) if no link exists.
	LookupExternalID(ctx context.Context, provider, externalID string) (string, bool, error)

	// LinkExternalID inserts a (provider, externalID) -> userID link.
	// Race-safe: on unique-constraint conflict it returns the user_id of
	// the existing link rather than erroring, so concurrent first contacts
	// converge on exactly one User.
	LinkExternalID(ctx context.Context, link UserExternalID) (existingUserID string, created bool, err error)
}

// AccessRuleStore is CRUD over AccessRule plus the range scan the Access
// Control matcher (C4) evaluates against.
type AccessRuleStore interface {
	CreateRule(ctx context.Context, rule AccessRule) (AccessRule, error)
	ListRules(ctx context.Context, instanceName string) ([]AccessRule, error)
	// ListCandidates returns every rule scoped to instanceName plus every
	// global rule (instance_name IS NULL), the candidate set §4.4 evaluates.
	ListCandidates(ctx context.Context, instanceName string) ([]AccessRule, error)
	DeleteRule(ctx context.Context, id string) error
}

// TraceStore is append-style writes plus bounded range-scan reads over
// MessageTrace and TracePayload, the storage half of the Trace Recorder (C9).
type TraceStore interface {
	OpenTrace(ctx context.Context, t MessageTrace) error
	UpdateStatus(ctx context.Context, traceID string, status TraceStatus, errMessage, errStage string) error
	Finalize(ctx context.Context, traceID string, completedAt time.Time, agentMs, totalMs int64, agentOK, sendOK bool) error
	GetTrace(ctx context.Context, traceID string) (MessageTrace, error)
	// FindByMessageID supports idempotency lookups: has this channel-native
	// message already produced a trace for this instance?
	FindByMessageID(ctx context.Context, instanceName, messageID string) (MessageTrace, bool, error)

	ListTraces(ctx context.Context, filter TraceFilter) ([]MessageTrace, error)

	// UpsertPayload writes the TracePayload row for (traceID, stage),
	// replacing any existing row for that pair. Streaming callers pass the
	// accumulated text so agent_response stays a single row.
	UpsertPayload(ctx context.Context, p TracePayload) error
	ListPayloads(ctx context.Context, traceID string) ([]TracePayload, error)

	Analytics(ctx context.Context, filter TraceFilter) (TraceAnalytics, error)
}

// TraceFilter bounds a ListTraces/Analytics range scan.
type TraceFilter struct {
	InstanceName string
	SenderPhone  string
	SessionName  string
	Status       TraceStatus
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
}

// TraceAnalytics is derived from MessageTrace alone — no payload decompression.
type TraceAnalytics struct {
	Total               int            `json:"total"`
	SuccessRate         float64        `json:"success_rate"`
	AvgAgentMs          float64        `json:"avg_agent_processing_time_ms"`
	AvgTotalMs          float64        `json:"avg_total_processing_time_ms"`
	CountByType         map[string]int `json:"count_by_type"`
	ErrorCountByStage   map[string]int `json:"error_count_by_stage"`
	CountByInstance     map[string]int `json:"count_by_instance"`
}

// Stores bundles every Config Store backend behind one handle, mirroring
// the gateway's store container convention.
type Stores struct {
	Instances InstanceStore
	Users     UserStore
	Access    AccessRuleStore
	Traces    TraceStore
}
