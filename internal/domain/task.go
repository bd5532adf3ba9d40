package domain

import "time"

type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

func (k Kind) Valid() bool { return k == KindDownload || k == KindUpload }

type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// BackendKind tags the adapter variant that owns a task.
type BackendKind string

const (
	BackendQbit       BackendKind = "qbittorrent"
	BackendAria2      BackendKind = "aria2"
	BackendDrive      BackendKind = "gdrive"
	BackendStreamtape BackendKind = "streamtape"
	BackendS3         BackendKind = "s3"
)

type Task struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Backend     BackendKind       `json:"backend"`
	Owner       string            `json:"owner"`
	State       TaskState         `json:"state"`
	Tag         string            `json:"tag,omitempty"`
	SourceLink  string            `json:"source_link"`
	OriginRef   string            `json:"origin_ref,omitempty"`
	Destination string            `json:"destination,omitempty"`
	UploadTo    BackendKind       `json:"upload_to,omitempty"`
	Options     map[string]string `json:"options,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// Started is set once the adapter's Start call has returned.
	Started         bool     `json:"-"`
	CancelRequested bool     `json:"cancel_requested,omitempty"`
	Outcome         *Outcome `json:"outcome,omitempty"`
}

// Request is the descriptor handed to the admission controller. ID is
// optional; an id is generated when empty.
type Request struct {
	ID          string            `json:"id,omitempty"`
	Kind        Kind              `json:"kind"`
	Backend     BackendKind       `json:"backend"`
	Owner       string            `json:"owner"`
	SourceLink  string            `json:"source_link"`
	Destination string            `json:"destination,omitempty"`
	UploadTo    BackendKind       `json:"upload_to,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	OriginRef   string            `json:"origin_ref,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

type Handle struct {
	ID    string    `json:"id"`
	State TaskState `json:"state"`
}

type Outcome struct {
	State       TaskState `json:"state"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

func Completed(artifactRef string) Outcome {
	return Outcome{State: StateCompleted, ArtifactRef: artifactRef}
}

func Failed(reason string) Outcome {
	return Outcome{State: StateFailed, Reason: reason}
}

func Cancelled() Outcome {
	return Outcome{State: StateCancelled}
}

// Event is the terminal outcome of one task, delivered to observers once.
type Event struct {
	Task    Task    `json:"task"`
	Outcome Outcome `json:"outcome"`
}

// Limits are process-wide concurrency limits. Zero means unlimited.
type Limits struct {
	MaxDownloads int `json:"max_downloads"`
	MaxUploads   int `json:"max_uploads"`
	MaxPerUser   int `json:"max_per_user"`
}

func (l Limits) Global(k Kind) int {
	if k == KindUpload {
		return l.MaxUploads
	}
	return l.MaxDownloads
}

// Progress is a point-in-time view of a running transfer.
type Progress struct {
	Name      string `json:"name,omitempty"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	Speed     int64  `json:"speed"`
}
