// Package mailbox implements the IMAP adapter: connecting to a
// mailbox, fetching and decoding unseen messages, and performing
// flag and move mutations.
package mailbox

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ndang/signalsift/internal/classify"
	"github.com/ndang/signalsift/internal/model"
)

// Config holds the connection settings for one IMAP mailbox. The
// password is supplied by the caller at connect time and is not
// retained beyond the session.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	UseTLS   bool
}

// ConnectionError indicates the mailbox could not be reached or
// authenticated. The whole source is abandoned for the run when one
// of these occurs.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbox connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain)
// is a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Client wraps an authenticated go-imap v2 session against a single
// mailbox. The caller owns the client and must Close it on every
// exit path.
type Client struct {
	imap   *imapclient.Client
	logger *slog.Logger
}

// Connect dials the IMAP server, authenticates, and returns a
// connected client. TLS is implicit when cfg.UseTLS is set; otherwise
// STARTTLS is negotiated.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	addr := cfg.Host + ":" + cfg.Port

	var client *imapclient.Client
	var err error

	if cfg.UseTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &ConnectionError{
			Addr: addr,
			Err:  fmt.Errorf("authentication failed for %s: %w", cfg.Username, err),
		}
	}

	return &Client{imap: client, logger: logger}, nil
}

// Close logs out and releases the session.
func (c *Client) Close() error {
	if err := c.imap.Logout().Wait(); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// FetchUnseen opens INBOX, searches for unseen messages server-side,
// fetches at most limit of them by UID with a peeking body section so
// the fetch itself never flags anything seen, decodes each, and drops
// messages the newsletter classifier rejects. Messages that fail to
// decode are skipped, not fatal. Re-invocation re-queries the server
// and may return overlapping results while messages stay unseen.
func (c *Client) FetchUnseen(limit int) ([]model.DecodedEmail, error) {
	if _, err := c.imap.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	searchData, err := c.imap.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	// Oldest first so approval backlogs drain in arrival order.
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	uidSet := imap.UIDSetNum(uids...)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.imap.Fetch(uidSet, fetchOpts)

	var emails []model.DecodedEmail
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			c.logger.Warn("collecting message failed, skipping", "error", err)
			continue
		}

		email, err := decodeFetched(buf, bodySection)
		if err != nil {
			c.logger.Warn("decoding message failed, skipping",
				"uid", uint32(buf.UID), "error", err)
			continue
		}

		verdict := classify.Classify(email)
		if !verdict.IsNewsletter {
			c.logger.Info("dropping non-newsletter message",
				"uid", email.UID,
				"from", email.FromAddress,
				"confidence", verdict.Confidence,
				"reason", verdict.Reason)
			continue
		}
		c.logger.Debug("message classified as newsletter",
			"uid", email.UID,
			"from", email.FromAddress,
			"confidence", verdict.Confidence,
			"signals", verdict.Signals)

		emails = append(emails, email)
	}

	if err := fetchCmd.Close(); err != nil {
		return emails, fmt.Errorf("fetching unseen messages: %w", err)
	}

	return emails, nil
}

// MarkSeen adds the \Seen flag to a message. Idempotent.
func (c *Client) MarkSeen(uid uint32) error {
	return c.storeFlags(uid, imap.FlagSeen)
}

// MarkDeleted adds the \Deleted flag to a message. Idempotent.
func (c *Client) MarkDeleted(uid uint32) error {
	return c.storeFlags(uid, imap.FlagDeleted)
}

func (c *Client) storeFlags(uid uint32, flags ...imap.Flag) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	storeCmd := c.imap.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("storing flags %v on uid %d: %w", flags, uid, err)
	}
	return nil
}

// MoveToFolder moves a message into the named folder, creating the
// folder first if the move fails because it does not exist yet.
func (c *Client) MoveToFolder(uid uint32, folder string) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	if _, err := c.imap.Move(uidSet, folder).Wait(); err == nil {
		return nil
	}

	if err := c.imap.Create(folder, nil).Wait(); err != nil {
		c.logger.Debug("creating folder", "folder", folder, "error", err)
	}

	if _, err := c.imap.Move(uidSet, folder).Wait(); err != nil {
		return fmt.Errorf("moving uid %d to %q: %w", uid, folder, err)
	}
	return nil
}

// decodeFetched turns one fetched message buffer into a DecodedEmail,
// combining the server-parsed envelope with the MIME-decoded body.
func decodeFetched(
	buf *imapclient.FetchMessageBuffer,
	bodySection *imap.FetchItemBodySection,
) (model.DecodedEmail, error) {
	email := model.DecodedEmail{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		email.MessageID = buf.Envelope.MessageID
		email.Subject = buf.Envelope.Subject
		email.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			email.FromAddress = from.Addr()
			email.FromName = from.Name
		}
		for _, to := range buf.Envelope.To {
			email.To = append(email.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			email.Cc = append(email.Cc, cc.Addr())
		}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return email, fmt.Errorf("message uid %d has no body section", buf.UID)
	}

	content, err := DecodeMessage(raw)
	if err != nil {
		return email, fmt.Errorf("decoding MIME body: %w", err)
	}

	email.BodyText = content.Text
	email.BodyHTML = content.HTML
	email.HTMLOnly = content.HTML != "" && !content.HadPlainText
	email.HasAttachments = content.HasAttachments
	email.Headers = content.Headers

	return email, nil
}
