package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// JobDefinition is the template for an execution: what to run, where it runs
// by default, and how failures are handled. Immutable while instances of it
// are live.
type JobDefinition struct {
	ID                int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ApplicationName   string         `gorm:"uniqueIndex;not null" json:"application_name"`
	EntryPoint        string         `gorm:"not null" json:"entry_point"`
	ArtifactPath      string         `json:"artifact_path,omitempty"`
	DefaultQueueID    int64          `gorm:"not null;index" json:"default_queue_id"`
	CanRestart        bool           `gorm:"not null;default:false" json:"can_restart"`
	Highlander        bool           `gorm:"not null;default:false" json:"highlander"`
	DefaultParameters datatypes.JSON `json:"default_parameters"`
	MaxRuntimeMs      int64          `gorm:"not null;default:0" json:"max_runtime_ms"`
	Enabled           bool           `gorm:"not null;default:true" json:"enabled"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (JobDefinition) TableName() string { return "job_definition" }

// DefaultParams decodes the DefaultParameters JSON column. Never returns nil.
func (d *JobDefinition) DefaultParams() map[string]string {
	out := map[string]string{}
	if len(d.DefaultParameters) == 0 {
		return out
	}
	_ = json.Unmarshal(d.DefaultParameters, &out)
	return out
}

func (d *JobDefinition) MaxRuntime() time.Duration {
	if d.MaxRuntimeMs <= 0 {
		return 0
	}
	return time.Duration(d.MaxRuntimeMs) * time.Millisecond
}

// Queue is a named buffer of submitted instances. MaxSize zero means
// unbounded; otherwise enqueue fails once MaxSize instances are SUBMITTED.
type Queue struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string    `gorm:"uniqueIndex;not null" json:"name"`
	Description     string    `json:"description,omitempty"`
	DefaultPriority int       `gorm:"not null;default:0" json:"default_priority"`
	MaxSize         int       `gorm:"not null;default:0" json:"max_size"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (Queue) TableName() string { return "queue" }

// Node is one engine process. RepoPath caches artifacts, TmpPath hosts
// per-instance work directories, DlRepoPath stores captured deliverables.
type Node struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null" json:"name"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	RepoPath   string    `gorm:"not null" json:"repo_path"`
	TmpPath    string    `gorm:"not null" json:"tmp_path"`
	DlRepoPath string    `gorm:"not null" json:"dl_repo_path"`
	Enabled    bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (Node) TableName() string { return "node" }

// DeploymentBinding is the only way a queue is consumed: it entitles one
// node to poll one queue with a concurrency cap. Mutable at runtime; changes
// take effect on the next poll tick.
type DeploymentBinding struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	NodeID         int64     `gorm:"not null;index;uniqueIndex:idx_node_queue" json:"node_id"`
	QueueID        int64     `gorm:"not null;index;uniqueIndex:idx_node_queue" json:"queue_id"`
	MaxConcurrent  int       `gorm:"not null;default:1" json:"max_concurrent"`
	PollIntervalMs int       `gorm:"not null;default:1000" json:"poll_interval_ms"`
	Enabled        bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (DeploymentBinding) TableName() string { return "deployment_binding" }

func (b *DeploymentBinding) PollInterval() time.Duration {
	if b.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(b.PollIntervalMs) * time.Millisecond
}

// JobInstance is one scheduled execution of a JobDefinition. The primary key
// is monotonic; reservation order breaks priority/enqueue-time ties by
// ascending id.
type JobInstance struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobDefID        int64      `gorm:"not null;index" json:"job_def_id"`
	QueueID         int64      `gorm:"not null;index" json:"queue_id"`
	State           State      `gorm:"not null;index" json:"state"`
	Priority        int        `gorm:"not null;default:0" json:"priority"`
	KillRequested   bool       `gorm:"not null;default:false" json:"kill_requested"`
	KillReason      string     `json:"kill_reason,omitempty"`
	EnqueueTime     time.Time  `gorm:"not null;index" json:"enqueue_time"`
	AttributionTime *time.Time `json:"attribution_time,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	NodeID          *int64     `gorm:"index" json:"node_id,omitempty"`
	Progress        *int       `json:"progress,omitempty"`
	Application     string     `json:"application,omitempty"`
	Module          string     `json:"module,omitempty"`
	Keyword1        string     `json:"keyword1,omitempty"`
	Keyword2        string     `json:"keyword2,omitempty"`
	Keyword3        string     `json:"keyword3,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	User            string     `gorm:"column:username" json:"user,omitempty"`
	Mail            string     `json:"mail,omitempty"`
	ParentID        *int64     `gorm:"index" json:"parent_id,omitempty"`
	RestartCount    int        `gorm:"not null;default:0" json:"restart_count"`
	EndReason       string     `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
}

func (JobInstance) TableName() string { return "job_instance" }

// RuntimeParameter is a per-instance parameter, set at enqueue time or by an
// ancestor instance. Runtime values win over definition defaults on key
// collision.
type RuntimeParameter struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID int64  `gorm:"not null;index" json:"instance_id"`
	Key        string `gorm:"not null" json:"key"`
	Value      string `json:"value"`
}

func (RuntimeParameter) TableName() string { return "runtime_parameter" }

// Message is a short human-readable progress note emitted by a running
// payload. Observable in submission order per instance.
type Message struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID int64     `gorm:"not null;index" json:"instance_id"`
	Text       string    `gorm:"size:1000" json:"text"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (Message) TableName() string { return "message" }

// Deliverable is a file produced by a payload and retained in the node's
// deliverable store for later retrieval.
type Deliverable struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID int64     `gorm:"not null;index" json:"instance_id"`
	FilePath   string    `gorm:"not null" json:"file_path"`
	Label      string    `json:"label,omitempty"`
	FileHash   string    `json:"file_hash"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (Deliverable) TableName() string { return "deliverable" }

// HistoryRecord is the immutable archival snapshot written when an instance
// reaches a terminal state. It carries denormalized names so it stays
// queryable after the instance row is gone.
type HistoryRecord struct {
	ID              int64      `gorm:"primaryKey" json:"id"` // same id as the archived instance
	JobDefID        int64      `gorm:"not null;index" json:"job_def_id"`
	ApplicationName string     `gorm:"index" json:"application_name"`
	QueueID         int64      `gorm:"not null;index" json:"queue_id"`
	QueueName       string     `json:"queue_name"`
	State           State      `gorm:"not null;index" json:"state"`
	Priority        int        `json:"priority"`
	EnqueueTime     time.Time  `gorm:"not null" json:"enqueue_time"`
	AttributionTime *time.Time `json:"attribution_time,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `gorm:"index" json:"end_time,omitempty"`
	NodeID          *int64     `json:"node_id,omitempty"`
	NodeName        string     `json:"node_name,omitempty"`
	Progress        *int       `json:"progress,omitempty"`
	Application     string     `json:"application,omitempty"`
	Module          string     `json:"module,omitempty"`
	Keyword1        string     `json:"keyword1,omitempty"`
	Keyword2        string     `json:"keyword2,omitempty"`
	Keyword3        string     `json:"keyword3,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	User            string     `gorm:"column:username" json:"user,omitempty"`
	Mail            string     `json:"mail,omitempty"`
	ParentID        *int64     `json:"parent_id,omitempty"`
	RestartCount    int        `json:"restart_count"`
	EndReason       string     `json:"end_reason,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
}

func (HistoryRecord) TableName() string { return "history_record" }
