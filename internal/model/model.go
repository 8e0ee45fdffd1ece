package model

import (
	"strings"
	"time"
)

// SourceType identifies the kind of channel a Source was seen on.
// The ingestion core only handles email today.
const SourceTypeEmail = "email"

// SourceStatus is the approval lifecycle state of a sender identity.
type SourceStatus string

const (
	SourceStatusPending  SourceStatus = "pending"
	SourceStatusActive   SourceStatus = "active"
	SourceStatusPaused   SourceStatus = "paused"
	SourceStatusRejected SourceStatus = "rejected"
)

// Source is a sender identity subject to an approval lifecycle before
// its messages are imported or processed.
type Source struct {
	ID                   string
	UserID               string
	SourceType           string
	Identifier           string
	DisplayName          string
	Status               SourceStatus
	ExtractionStrategyID string
	LastSignalAt         time.Time
	ActivatedAt          *time.Time
	CreatedAt            time.Time
}

// SignalStatus tracks the processing state of an imported message.
type SignalStatus string

const (
	SignalStatusPending   SignalStatus = "pending"
	SignalStatusProcessed SignalStatus = "processed"
	SignalStatusFailed    SignalStatus = "failed"
)

// Signal is one ingested message, the unit of import. The
// (UserID, MessageID) pair is unique and is the sole at-most-once
// import guard.
type Signal struct {
	ID               string
	UserID           string
	SignalType       string
	RawContent       string
	Title            string
	SourceIdentifier string
	SourceID         *string
	SourceURL        string
	ReceivedDate     time.Time
	Status           SignalStatus
	ErrorMessage     string
	RetryCount       int
	MessageID        string
	FromName         string
	HasAttachments   bool
	To               []string
	Cc               []string
	CreatedAt        time.Time
}

// NuggetStatus is the user-facing read state of an extracted insight.
type NuggetStatus string

const (
	NuggetStatusUnread   NuggetStatus = "unread"
	NuggetStatusSaved    NuggetStatus = "saved"
	NuggetStatusArchived NuggetStatus = "archived"
)

// Nugget is one AI-extracted insight derived from a Signal's content.
// Nuggets are owned by their Signal and deleted with it.
type Nugget struct {
	ID               string
	UserID           string
	SignalID         string
	Title            string
	Content          string
	Link             string
	SourceLabel      string
	PublishedDate    *time.Time
	RelevancyScore   int
	Topic            string
	Tags             []string
	Status           NuggetStatus
	IsRead           bool
	IsArchived       bool
	DuplicateGroupID *string
	IsPrimary        bool
	UserNotes        string
	CreatedAt        time.Time
}

// DecodedEmail is the transient result of decoding one mailbox message.
// It is consumed by the classifier and the sync orchestrator and never
// persisted.
type DecodedEmail struct {
	UID            uint32
	MessageID      string
	Subject        string
	FromAddress    string
	FromName       string
	To             []string
	Cc             []string
	Date           time.Time
	BodyText       string
	BodyHTML       string
	HTMLOnly       bool
	HasAttachments bool
	Headers        map[string]string
}

// SourceIdentifier derives the stable sender identity key:
// the address joined with the display name, falling back to the
// local part of the address when no display name is present.
func (e *DecodedEmail) SourceIdentifier() string {
	name := e.FromName
	if name == "" {
		name = localPart(e.FromAddress)
	}
	return e.FromAddress + "|" + name
}

// Content returns the best-available body text: plain text when the
// decoder produced any, otherwise the (already converted) HTML text.
// The result is trimmed; empty content is a downstream concern.
func (e *DecodedEmail) Content() string {
	if body := strings.TrimSpace(e.BodyText); body != "" {
		return body
	}
	return strings.TrimSpace(e.BodyHTML)
}

// Header returns a header value by its canonical name, tolerating
// case differences in the decoded header map.
func (e *DecodedEmail) Header(name string) string {
	if v, ok := e.Headers[name]; ok {
		return v
	}
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func localPart(addr string) string {
	if at := strings.Index(addr, "@"); at > 0 {
		return addr[:at]
	}
	return addr
}
