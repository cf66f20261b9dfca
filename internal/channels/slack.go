package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackJIDPrefix = "slack:"
const slackMaxMessageLen = 4000

// SlackConfig configures the long-lived pub/sub channel variant.
type SlackConfig struct {
	BotToken       string
	AppToken       string
	Trigger        string // e.g. "@Andy"; foreign @USER_ID mentions of the bot are rewritten to this.
	Logger         *slog.Logger
	OnChatMetadata ChatMetadataFunc
	OnMessage      MessageFunc
}

// SlackChannel is the pub/sub channel variant: Socket Mode event delivery
// plus @USER_ID -> @<trigger> mention translation so that foreign mention
// syntax is re-expressed in the canonical trigger form before trigger
// evaluation.
type SlackChannel struct {
	cfg    SlackConfig
	api    *slack.Client
	socket *socketmode.Client
	out    OutgoingQueue

	botUserID string
	connected atomic.Bool
}

// NewSlackChannel constructs the channel without connecting.
func NewSlackChannel(cfg SlackConfig) *SlackChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(api)
	return &SlackChannel{cfg: cfg, api: api, socket: socket}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, slackJIDPrefix)
}

func (c *SlackChannel) IsConnected() bool { return c.connected.Load() }

// Connect authenticates, discovers the bot's own user ID (to suppress
// self-echo), starts the Socket Mode event loop in the background, and
// flushes the outgoing queue.
func (c *SlackChannel) Connect(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	go c.reconnectLoop(ctx)

	return c.out.Flush(func(jid, text string) error { return c.sendRaw(jid, text) })
}

// reconnectLoop runs the socket mode client, restarting with exponential
// backoff if RunContext returns (e.g. on a connection error) while ctx is
// still live.
func (c *SlackChannel) reconnectLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	go c.handleEvents(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		c.connected.Store(true)
		err := c.socket.RunContext(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		c.cfg.Logger.Warn("slack: socket mode run exited, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleEvent(evt)
		}
	}
}

func (c *SlackChannel) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		c.connected.Store(true)
	case socketmode.EventTypeConnectionError:
		c.connected.Store(false)
	case socketmode.EventTypeEventsAPI:
		apiEvt, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		c.handleEventsAPI(apiEvt)
	}
}

func (c *SlackChannel) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if ev.User == c.botUserID || ev.User == "" || ev.SubType != "" {
		return
	}

	jid := slackJIDPrefix + ev.Channel
	ts := parseSlackTimestamp(ev.TimeStamp)
	isGroup := strings.HasPrefix(ev.Channel, "C") || strings.HasPrefix(ev.Channel, "G")

	c.cfg.OnChatMetadata(jid, ts, "", "slack", isGroup)
	c.cfg.OnMessage(jid, InboundMessage{
		ID:         ev.TimeStamp,
		ChatJID:    jid,
		Sender:     ev.User,
		SenderName: ev.User,
		Content:    c.rewriteMentions(ev.Text),
		Timestamp:  ts,
	})
}

var slackMentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// rewriteMentions replaces <@BOTUSERID>-style mentions of this bot with the
// canonical trigger string, so trigger evaluation never needs to know
// Slack's own mention syntax.
func (c *SlackChannel) rewriteMentions(text string) string {
	if c.cfg.Trigger == "" {
		return text
	}
	return slackMentionPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := slackMentionPattern.FindStringSubmatch(m)
		if len(sub) == 2 && sub[1] == c.botUserID {
			return c.cfg.Trigger
		}
		return m
	})
}

func parseSlackTimestamp(ts string) time.Time {
	var sec, nsec int64
	_, err := fmt.Sscanf(ts, "%d.%d", &sec, &nsec)
	if err != nil {
		return time.Now()
	}
	return time.Unix(sec, nsec*1000)
}

func (c *SlackChannel) Disconnect(ctx context.Context) error {
	c.connected.Store(false)
	return nil
}

func (c *SlackChannel) SendMessage(ctx context.Context, jid, text string) error {
	channelID := strings.TrimPrefix(jid, slackJIDPrefix)
	for _, chunk := range splitMessage(text, slackMaxMessageLen) {
		if !c.IsConnected() {
			c.out.Push(jid, chunk)
			continue
		}
		if _, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false)); err != nil {
			c.out.Push(jid, chunk)
		}
	}
	return nil
}

func (c *SlackChannel) sendRaw(jid, text string) error {
	channelID := strings.TrimPrefix(jid, slackJIDPrefix)
	_, _, err := c.api.PostMessage(channelID, slack.MsgOptionText(text, false))
	return err
}

// SetTyping is a no-op: Slack's Events API has no standing "is typing"
// indicator a bot can hold open the way a chat presence can.
func (c *SlackChannel) SetTyping(ctx context.Context, jid string, on bool) error {
	return nil
}
