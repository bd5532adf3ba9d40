package domain

import (
	"path/filepath"
	"strings"
)

// IncompleteTask is the ledger entry written when a task is admitted and
// removed when it reaches a terminal state.
type IncompleteTask struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	SourceLink string `json:"source_link"`
	Tag        string `json:"tag"`
	OriginRef  string `json:"origin_ref"`
}

func IncompleteFromTask(t Task) IncompleteTask {
	return IncompleteTask{
		ID:         t.ID,
		Owner:      t.Owner,
		SourceLink: t.SourceLink,
		Tag:        t.Tag,
		OriginRef:  t.OriginRef,
	}
}

type Settings struct {
	ID           string            `json:"id"`
	Config       map[string]string `json:"config"`
	Aria2Options map[string]string `json:"aria2_options"`
	QbitOptions  map[string]string `json:"qbit_options"`
}

type AttachmentKind string

const (
	AttachmentThumb  AttachmentKind = "thumb"
	AttachmentRclone AttachmentKind = "rclone"
)

func (k AttachmentKind) Valid() bool { return k == AttachmentThumb || k == AttachmentRclone }

// ValidUserID reports whether id can name a file below the data directory.
func ValidUserID(id string) bool {
	return id != "" && id != "." && !strings.Contains(id, "..") && !strings.ContainsAny(id, `/\`)
}

// Path returns where the attachment of userID lives below root. userID must
// pass ValidUserID.
func (k AttachmentKind) Path(root, userID string) string {
	switch k {
	case AttachmentThumb:
		return filepath.Join(root, "Thumbnails", userID+".jpg")
	case AttachmentRclone:
		return filepath.Join(root, "rclone", userID+".conf")
	}
	return filepath.Join(root, string(k), userID)
}

type UserDoc struct {
	ID          string                    `json:"id"`
	Attachments map[AttachmentKind][]byte `json:"-"`
	// Paths is filled on restore with the local file of each attachment.
	Paths map[AttachmentKind]string `json:"paths,omitempty"`
}

// Feed is an opaque subscription record keyed by owner.
type Feed struct {
	Owner string            `json:"owner"`
	Data  map[string]string `json:"data"`
}
