package drive

import "time"

// Subscription is the result of registering a webhook watch on a folder.
type Subscription struct {
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
}

// File is the subset of file metadata the watcher cares about.
type File struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Trashed      bool     `json:"trashed"`
	Parents      []string `json:"parents"`
	HeadRevision string   `json:"headRevisionId"`
	CreatedTime  string   `json:"createdTime"`
}

// Change is one entry from the change feed. The feed is account-wide, so a
// change may reference files outside the watched subtree; callers filter.
type Change struct {
	FileID  string `json:"fileId"`
	Removed bool   `json:"removed"`
	File    *File  `json:"file"`
}

// ChangePage is one page of the change feed. NewStartCursor is only set on
// the final page and becomes the cursor for the next poll.
type ChangePage struct {
	Changes        []Change `json:"changes"`
	NextPageToken  string   `json:"nextPageToken"`
	NewStartCursor string   `json:"newStartPageToken"`
}

const FolderMimeType = "application/vnd.google-apps.folder"
