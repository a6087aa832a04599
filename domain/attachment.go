package domain

import "github.com/gabriel-vasile/mimetype"

// Attachment is a binary payload sent alongside a chat message over the
// data channel. The MIME type is sniffed from content, never trusted from
// the sender.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

func NewAttachment(name string, data []byte) Attachment {
	return Attachment{
		Name: name,
		MIME: mimetype.Detect(data).String(),
		Data: data,
	}
}
