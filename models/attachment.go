package models

// ContactShare is a shared contact card attached to a message.
type ContactShare struct {
	Name         string   `json:"name"`
	PhoneNumbers []string `json:"phoneNumbers,omitempty"`
	Emails       []string `json:"emails,omitempty"`
	AvatarID     string   `json:"avatarId,omitempty"`
}

// LinkPreview describes a rendered URL preview.
type LinkPreview struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	ImageID string `json:"imageId,omitempty"`
}

// Sticker references one sticker from a pack.
type Sticker struct {
	PackID    string `json:"packId"`
	PackKey   string `json:"packKey"`
	StickerID uint32 `json:"stickerId"`
	Emoji     string `json:"emoji,omitempty"`
}

// Quote references an earlier message by its send timestamp.
type Quote struct {
	Timestamp     uint64   `json:"timestamp"`
	Author        Address  `json:"author"`
	Body          string   `json:"body,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}
