// Package models defines the records and media metadata that move between
// the local store, the backup stream and the remote object store.
package models

// RecordKind classifies a record. The backup stream treats the payload as
// opaque; the kind only decides what a backup level includes.
type RecordKind string

const (
	RecordKindAccount      RecordKind = "account"
	RecordKindConversation RecordKind = "conversation"
	RecordKindMessage      RecordKind = "message"
	RecordKindSticker      RecordKind = "sticker"
	RecordKindAttachment   RecordKind = "attachment"
)

func (k RecordKind) Valid() bool {
	switch k {
	case RecordKindAccount, RecordKindConversation, RecordKindMessage, RecordKindSticker, RecordKindAttachment:
		return true
	}
	return false
}

// Record is one serialization unit of the backup stream.
type Record struct {
	Kind    RecordKind
	Payload []byte
	// MediaID links the record to a blob on the remote object store.
	MediaID string
	// CdnNumber is where the blob already lives; 0 means it must be
	// re-uploaded.
	CdnNumber uint32
}

func (r Record) HasMedia() bool {
	return r.MediaID != ""
}

// MediaObject is the cached metadata of a blob on the remote object store.
type MediaObject struct {
	MediaID   string `json:"mediaId"`
	CdnNumber uint32 `json:"cdn"`
	Size      int64  `json:"size"`
}

// MediaPage is one page of a media listing. An empty Cursor marks the last
// page.
type MediaPage struct {
	Objects []MediaObject `json:"objects"`
	Cursor  string        `json:"cursor,omitempty"`
}
