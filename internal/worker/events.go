package worker

import "github.com/book-expert/events"

// AudiobookRequestedEvent asks for the text stored under TextKey to be
// narrated and uploaded.
type AudiobookRequestedEvent struct {
	Header     events.EventHeader `json:"header"`
	TextKey    string             `json:"text_key"`
	Title      string             `json:"title"`
	Voice      string             `json:"voice,omitempty"`
	Collection string             `json:"collection,omitempty"`
}

// AudiobookUploadedEvent is the reply to an AudiobookRequestedEvent. Error is
// set, and LibraryItemID empty, when the request failed.
type AudiobookUploadedEvent struct {
	Header        events.EventHeader `json:"header"`
	LibraryItemID string             `json:"library_item_id,omitempty"`
	Chunks        int                `json:"chunks"`
	Synthesized   int                `json:"synthesized"`
	Error         string             `json:"error,omitempty"`
}
