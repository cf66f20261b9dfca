package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const waMaxMessageLen = 4000

// WhatsAppConfig configures the long-lived socket channel variant.
type WhatsAppConfig struct {
	DBPath         string
	Logger         *slog.Logger
	OnChatMetadata ChatMetadataFunc
	OnMessage      MessageFunc
}

// whatsappLogger adapts whatsmeow's logger interface onto slog.
type whatsappLogger struct {
	logger *slog.Logger
}

func (l whatsappLogger) Errorf(msg string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}
func (l whatsappLogger) Warnf(msg string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}
func (l whatsappLogger) Infof(msg string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}
func (l whatsappLogger) Debugf(msg string, args ...interface{}) {}
func (l whatsappLogger) Sub(module string) waLog.Logger         { return l }

// WhatsAppChannel is the long-lived socket channel variant: a persistent
// connection where inbound events trigger callbacks and disconnects are
// followed by exponential-backoff reconnection.
type WhatsAppChannel struct {
	cfg    WhatsAppConfig
	client *whatsmeow.Client
	out    OutgoingQueue

	connMu    sync.RWMutex
	connected bool

	typingMu   sync.Mutex
	typingStop map[string]chan struct{}
}

// NewWhatsAppChannel opens the whatsmeow device store at cfg.DBPath. The
// device must already be paired (see PairWhatsApp); an unauthenticated
// store is an AuthError.
func NewWhatsAppChannel(ctx context.Context, cfg WhatsAppConfig) (*WhatsAppChannel, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create db directory: %w", err)
	}

	waLogger := whatsappLogger{logger: cfg.Logger}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+cfg.DBPath+"?_foreign_keys=on", waLogger)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open device store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLogger)
	if client.Store.ID == nil {
		return nil, fmt.Errorf("whatsapp: not authenticated, run pairing first")
	}

	c := &WhatsAppChannel{
		cfg:        cfg,
		client:     client,
		typingStop: make(map[string]chan struct{}),
	}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

// PairWhatsApp runs the one-time QR pairing flow, rendering the QR code to
// the terminal. Browser-based QR rendering is an external collaborator;
// this is the narrow terminal-rendering path the core itself drives.
func PairWhatsApp(ctx context.Context, dbPath string, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("whatsapp: create db directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", whatsappLogger{logger: logger})
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}
	client := whatsmeow.NewClient(deviceStore, whatsappLogger{logger: logger})
	if client.Store.ID != nil {
		return fmt.Errorf("whatsapp: already paired, delete %s to re-pair", dbPath)
	}

	qrChan, _ := client.GetQRChannel(ctx)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect for pairing: %w", err)
	}
	defer client.Disconnect()

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
		case "success":
			return nil
		case "timeout":
			return fmt.Errorf("whatsapp: pairing QR timed out")
		}
	}
	return nil
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

// OwnsJID matches the suffix-tagged JID forms whatsmeow uses for users and
// groups.
func (c *WhatsAppChannel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, "@s.whatsapp.net") || strings.HasSuffix(jid, "@g.us")
}

func (c *WhatsAppChannel) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *WhatsAppChannel) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// Connect connects once, then runs a background reconnect loop with
// exponential backoff whenever the connection drops.
func (c *WhatsAppChannel) Connect(ctx context.Context) error {
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	c.setConnected(true)
	if err := c.out.Flush(func(jid, text string) error { return c.sendRaw(ctx, jid, text) }); err != nil {
		c.cfg.Logger.Warn("whatsapp: outgoing queue flush incomplete", "error", err)
	}

	go c.reconnectLoop(ctx)
	return nil
}

func (c *WhatsAppChannel) reconnectLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if c.client.IsConnected() {
			c.setConnected(true)
			backoff = time.Second
			time.Sleep(time.Second)
			continue
		}
		c.setConnected(false)
		c.cfg.Logger.Warn("whatsapp: disconnected, reconnecting", "backoff", backoff)
		if err := c.client.Connect(); err != nil {
			c.cfg.Logger.Warn("whatsapp: reconnect failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		c.setConnected(true)
		backoff = time.Second
		if err := c.out.Flush(func(jid, text string) error { return c.sendRaw(ctx, jid, text) }); err != nil {
			c.cfg.Logger.Warn("whatsapp: outgoing queue flush incomplete", "error", err)
		}
	}
}

func (c *WhatsAppChannel) Disconnect(ctx context.Context) error {
	c.stopAllTyping()
	_ = c.out.Flush(func(jid, text string) error { return c.sendRaw(ctx, jid, text) })
	c.client.Disconnect()
	c.setConnected(false)
	return nil
}

func (c *WhatsAppChannel) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected, *events.PushNameSetting:
		if err := c.client.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
			c.cfg.Logger.Warn("whatsapp: send presence failed", "error", err)
		}
	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *WhatsAppChannel) handleMessage(msg *events.Message) {
	chatJID := msg.Info.Chat.String()
	content := extractWAContent(msg)
	if content == "" {
		return
	}

	c.cfg.OnChatMetadata(chatJID, msg.Info.Timestamp, "", "whatsapp", msg.Info.IsGroup)
	c.cfg.OnMessage(chatJID, InboundMessage{
		ID:           msg.Info.ID,
		ChatJID:      chatJID,
		Sender:       msg.Info.Sender.User,
		SenderName:   msg.Info.PushName,
		Content:      strings.TrimSpace(content),
		Timestamp:    msg.Info.Timestamp,
		IsFromMe:     msg.Info.IsFromMe,
		IsBotMessage: msg.Info.IsFromMe,
	})
}

func extractWAContent(msg *events.Message) string {
	switch {
	case msg.Message.Conversation != nil:
		return *msg.Message.Conversation
	case msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil:
		return *msg.Message.ExtendedTextMessage.Text
	}
	return ""
}

func (c *WhatsAppChannel) SendMessage(ctx context.Context, jid, text string) error {
	for _, chunk := range splitMessage(text, waMaxMessageLen) {
		if !c.IsConnected() {
			c.out.Push(jid, chunk)
			continue
		}
		if err := c.sendRaw(ctx, jid, chunk); err != nil {
			c.out.Push(jid, chunk)
		}
	}
	return nil
}

func (c *WhatsAppChannel) sendRaw(ctx context.Context, jid, text string) error {
	recipient, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid jid %s: %w", jid, err)
	}
	chunk := text
	_, err = c.client.SendMessage(ctx, recipient, &waProto.Message{Conversation: &chunk})
	return err
}

func (c *WhatsAppChannel) SetTyping(ctx context.Context, jid string, on bool) error {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return nil
	}
	if on {
		c.startTyping(parsed)
	} else {
		c.stopTyping(jid)
	}
	return nil
}

// startTyping begins (or resets) a continuous composing presence for jid.
// It stops automatically after 5 minutes or when SetTyping(false) is called.
func (c *WhatsAppChannel) startTyping(jid types.JID) {
	key := jid.String()
	c.typingMu.Lock()
	if stop, ok := c.typingStop[key]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	c.typingStop[key] = stop
	c.typingMu.Unlock()

	go func() {
		_ = c.client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		timeout := time.NewTimer(5 * time.Minute)
		defer timeout.Stop()
		for {
			select {
			case <-stop:
				_ = c.client.SendChatPresence(context.Background(), jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
				return
			case <-timeout.C:
				return
			case <-ticker.C:
				_ = c.client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
			}
		}
	}()
}

func (c *WhatsAppChannel) stopTyping(jid string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if stop, ok := c.typingStop[jid]; ok {
		close(stop)
		delete(c.typingStop, jid)
	}
}

func (c *WhatsAppChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	for _, stop := range c.typingStop {
		close(stop)
	}
	c.typingStop = make(map[string]chan struct{})
}

// splitMessage breaks text into chunks of at most max runes.
func splitMessage(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	var out []string
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
