package channels

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

const (
	mailJID                = "gmail:main"
	mailProcessedCap       = 5000
	mailProcessedCompactTo = 2500
	mailMaxBackoff         = 30 * time.Minute
)

// MailMessage is one item returned by a Fetcher's list-then-fetch poll.
type MailMessage struct {
	ID        string
	From      string
	Subject   string
	Body      string
	Timestamp time.Time
}

// Fetcher abstracts the mailbox-listing side of the poll-based channel. The
// concrete mailbox protocol (IMAP, a provider API) is an external
// collaborator supplied at construction; no such client appears anywhere in
// the dependency corpus this module draws on, so the core only depends on
// this narrow interface rather than a specific wire protocol.
type Fetcher interface {
	// ListNew returns messages not yet seen, in any order.
	ListNew(ctx context.Context) ([]MailMessage, error)
}

// MailConfig configures the poll-based channel variant.
type MailConfig struct {
	Fetcher      Fetcher
	PollInterval time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromAddress  string

	Logger         *slog.Logger
	OnChatMetadata ChatMetadataFunc
	OnMessage      MessageFunc
}

// MailChannel is the poll-based channel variant: periodic list-then-fetch
// with a bounded dedup set and an error-driven backoff on the poll cadence.
// Every inbound item is routed to the single jid "gmail:main" rather than a
// per-sender JID, since the channel has no durable per-conversation
// identifier to key on.
type MailChannel struct {
	cfg MailConfig
	out OutgoingQueue

	mu              sync.Mutex
	connected       bool
	processed       map[string]struct{}
	processedSeq    []string
	consecutiveErrs int
}

// NewMailChannel constructs the channel without starting the poll loop.
func NewMailChannel(cfg MailConfig) *MailChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Minute
	}
	return &MailChannel{
		cfg:       cfg,
		processed: make(map[string]struct{}),
	}
}

func (c *MailChannel) Name() string { return "mail" }

func (c *MailChannel) OwnsJID(jid string) bool { return jid == mailJID }

func (c *MailChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect starts the poll loop in the background and flushes any queued
// outgoing sends immediately, since the poll-based variant has no standing
// connection to wait on.
func (c *MailChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.pollLoop(ctx)

	return c.out.Flush(func(jid, text string) error { return c.sendRaw(jid, text) })
}

func (c *MailChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// pollLoop runs the list-then-fetch cycle on cfg.PollInterval, applying
// exponential backoff (capped at mailMaxBackoff) after consecutive errors
// and resetting to the configured interval on the next success.
func (c *MailChannel) pollLoop(ctx context.Context) {
	interval := c.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := c.pollOnce(ctx); err != nil {
			c.mu.Lock()
			c.consecutiveErrs++
			n := c.consecutiveErrs
			c.mu.Unlock()
			c.cfg.Logger.Warn("mail: poll failed", "error", err, "consecutive_errors", n)
			interval = backoffFor(c.cfg.PollInterval, n)
			continue
		}

		c.mu.Lock()
		c.consecutiveErrs = 0
		c.mu.Unlock()
		interval = c.cfg.PollInterval
	}
}

func backoffFor(base time.Duration, consecutiveErrs int) time.Duration {
	d := base
	for i := 0; i < consecutiveErrs && d < mailMaxBackoff; i++ {
		d *= 2
	}
	if d > mailMaxBackoff {
		d = mailMaxBackoff
	}
	return d
}

func (c *MailChannel) pollOnce(ctx context.Context) error {
	msgs, err := c.cfg.Fetcher.ListNew(ctx)
	if err != nil {
		return fmt.Errorf("mail: list new: %w", err)
	}

	for _, m := range msgs {
		if c.markProcessed(m.ID) {
			continue
		}
		c.cfg.OnChatMetadata(mailJID, m.Timestamp, "", "mail", false)
		c.cfg.OnMessage(mailJID, InboundMessage{
			ID:         m.ID,
			ChatJID:    mailJID,
			Sender:     m.From,
			SenderName: m.From,
			Content:    strings.TrimSpace(m.Subject + "\n\n" + m.Body),
			Timestamp:  m.Timestamp,
		})
	}
	return nil
}

// markProcessed records id as seen and reports whether it was already
// present (i.e. should be skipped). The processed set is bounded: once it
// exceeds mailProcessedCap entries it is compacted down to the most recent
// mailProcessedCompactTo, dropping the oldest.
func (c *MailChannel) markProcessed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.processed[id]; ok {
		return true
	}
	c.processed[id] = struct{}{}
	c.processedSeq = append(c.processedSeq, id)

	if len(c.processedSeq) > mailProcessedCap {
		drop := len(c.processedSeq) - mailProcessedCompactTo
		for _, old := range c.processedSeq[:drop] {
			delete(c.processed, old)
		}
		c.processedSeq = append([]string{}, c.processedSeq[drop:]...)
	}
	return false
}

func (c *MailChannel) SendMessage(ctx context.Context, jid, text string) error {
	if !c.IsConnected() {
		c.out.Push(jid, text)
		return nil
	}
	if err := c.sendRaw(jid, text); err != nil {
		c.out.Push(jid, text)
	}
	return nil
}

// sendRaw delivers text as a plain-text email over SMTP with STARTTLS. No
// dedicated SMTP/IMAP client library appears anywhere in the dependency
// corpus this module draws on, so net/smtp is used directly for the send
// path; this is the one ambient concern in the channel layer implemented on
// the standard library rather than a third-party package.
func (c *MailChannel) sendRaw(jid, text string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	auth := smtp.PlainAuth("", c.cfg.SMTPUsername, c.cfg.SMTPPassword, c.cfg.SMTPHost)

	msg := fmt.Sprintf("From: %s\r\nSubject: update\r\n\r\n%s", c.cfg.FromAddress, text)

	tlsConfig := &tls.Config{ServerName: c.cfg.SMTPHost, MinVersion: tls.VersionTLS12}
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("mail: dial smtp: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("mail: smtp client: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("mail: smtp auth: %w", err)
	}
	if err := client.Mail(c.cfg.FromAddress); err != nil {
		return fmt.Errorf("mail: smtp mail from: %w", err)
	}
	if err := client.Rcpt(c.cfg.FromAddress); err != nil {
		return fmt.Errorf("mail: smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail: smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("mail: smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail: smtp close body: %w", err)
	}
	return client.Quit()
}

// SetTyping is a no-op: a poll-based channel has no standing connection to
// carry a typing indicator over.
func (c *MailChannel) SetTyping(ctx context.Context, jid string, on bool) error {
	return nil
}
