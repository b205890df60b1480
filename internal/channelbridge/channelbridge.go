// Package channelbridge implements the Channel Bridge (C9): the translation
// layer between external chat channels (webhooks in, messages out) and the
// Runner's signal bus.
package channelbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/signalbus"
	"github.com/attractorhq/attractor/logger"
)

// InboundMessage is a channel-agnostic view of an incoming webhook payload.
type InboundMessage struct {
	Text     string
	SenderID string
	ThreadID string
	Metadata map[string]string
}

// OutboundMessage is what gets handed to a channel adapter for delivery.
type OutboundMessage struct {
	Text string
	Card map[string]interface{}
}

// Adapter is what one external channel (chat app, webhook endpoint) must
// implement to be registered with the bridge.
type Adapter interface {
	VerifyWebhook(rawPayload []byte) (bool, error)
	ParseInbound(rawPayload []byte) (InboundMessage, error)
	SendOutbound(ctx context.Context, msg OutboundMessage, recipient string) error
}

// CardFormatter is an optional capability: an adapter that can render a rich
// card from a pipeline status snapshot.
type CardFormatter interface {
	FormatCard(pipelineStatus map[string]interface{}) (map[string]interface{}, error)
}

// commandMap is the closed first-word → message-type table (spec.md §4.9
// step 3).
var commandMap = map[string]string{
	"approve":  "approval",
	"approved": "approval",
	"yes":      "approval",
	"lgtm":     "approval",
	"reject":   "override",
	"rejected": "override",
	"deny":     "override",
	"no":       "override",
	"stop":     "shutdown",
	"halt":     "shutdown",
	"shutdown": "shutdown",
}

// ackMessages is the fixed per-message-type acknowledgement table (spec.md
// §4.9 step 6).
var ackMessages = map[string]string{
	"approval": "Approval recorded. The pipeline runner will advance.",
	"override": "Override recorded. The runner will hold at this gate.",
	"shutdown": "Shutdown signal sent to the pipeline runner.",
	"guidance": "Message received. The runner has been notified.",
	"rejected": "Webhook verification failed. Message not forwarded.",
}

type signalMeta struct {
	description string
	wantsCard   bool
}

// signalMetaTable is the closed signal_type → (description, wants_card)
// table (spec.md §4.9 "Outbound flow" step 1).
var signalMetaTable = map[signalbus.Type]signalMeta{
	signalbus.TypeRunnerStarted:      {"Pipeline runner started", false},
	signalbus.TypeRunnerHeartbeat:    {"Runner heartbeat", false},
	signalbus.TypeRunnerComplete:     {"Pipeline COMPLETE", true},
	signalbus.TypeRunnerStuck:        {"Runner STUCK — intervention required", true},
	signalbus.TypeRunnerError:        {"Runner ERROR", false},
	signalbus.TypeRunnerUnregistered: {"Runner shutting down", false},
	signalbus.TypeNodeSpawned:        {"Orchestrator spawned", false},
	signalbus.TypeNodeImplComplete:   {"Node implementation complete", false},
	signalbus.TypeNodeValidated:      {"Node validated", false},
	signalbus.TypeNodeFailed:         {"Node failed", false},
	signalbus.TypeAwaitingApproval:   {"Business gate — approval required", true},
	signalbus.TypeInboundCommand:     {"Inbound command forwarded", false},
}

var whitespace = regexp.MustCompile(`\s+`)

type channelEntry struct {
	adapter           Adapter
	defaultRecipient string
}

// InboundResult is returned by HandleInbound.
type InboundResult struct {
	Parsed          *InboundMessage
	Routed          bool
	MessageType     string
	Acknowledgement string
}

// BroadcastResult is one channel's outcome from Broadcast.
type BroadcastResult struct {
	Channel string
	Sent    bool
	Error   string
}

// Bridge is not thread-safe: registry management and HandleInbound/Broadcast
// must all be called from the same event loop (spec.md §4.9, §5).
type Bridge struct {
	channels map[string]channelEntry
	signals  *signalbus.Store
	logger   logger.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New builds a Bridge that forwards inbound commands to the Runner via
// signals, a nil-safe default matching the spec's "runner_adapter: RunnerAdapter | None".
func New(signals *signalbus.Store, opts ...Option) *Bridge {
	b := &Bridge{
		channels: make(map[string]channelEntry),
		signals:  signals,
		logger:   logger.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterChannel adds or replaces a channel in the registry.
func (b *Bridge) RegisterChannel(name string, adapter Adapter, defaultRecipient string) {
	b.channels[name] = channelEntry{adapter: adapter, defaultRecipient: defaultRecipient}
}

// UnregisterChannel removes a channel from the registry, a no-op if absent.
func (b *Bridge) UnregisterChannel(name string) {
	delete(b.channels, name)
}

// ChannelNames lists the registered channel names.
func (b *Bridge) ChannelNames() []string {
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleInbound runs the verify → parse → translate → forward pipeline for
// a webhook payload arriving on channelName (spec.md §4.9 "Inbound flow").
func (b *Bridge) HandleInbound(channelName string, rawPayload []byte) (InboundResult, error) {
	entry, ok := b.channels[channelName]
	if !ok {
		return InboundResult{}, core.NewError("channelbridge.HandleInbound", "channelbridge", core.ErrUnknownEventType)
	}

	valid, err := entry.adapter.VerifyWebhook(rawPayload)
	if err != nil || !valid {
		return InboundResult{
			Routed:          false,
			MessageType:     "rejected",
			Acknowledgement: ackMessages["rejected"],
		}, nil
	}

	inbound, err := entry.adapter.ParseInbound(rawPayload)
	if err != nil {
		return InboundResult{}, core.NewError("channelbridge.HandleInbound", "channelbridge", core.ErrWebhookRejected)
	}

	messageType, commandPayload := translateInbound(inbound)

	routed := false
	if b.signals != nil {
		payload := map[string]interface{}{
			"channel":         channelName,
			"sender_id":       inbound.SenderID,
			"text":            inbound.Text,
			"message_type":    messageType,
			"command_payload": commandPayload,
			"thread_id":       inbound.ThreadID,
		}
		if err := b.forward(payload); err != nil {
			b.logger.Warn("inbound command not routed", "channel", channelName, "error", err)
		} else {
			routed = true
		}
	}

	ack, ok := ackMessages[messageType]
	if !ok {
		ack = fmt.Sprintf("Received: %s", truncate(inbound.Text, 50))
	}

	return InboundResult{
		Parsed:          &inbound,
		Routed:          routed,
		MessageType:     messageType,
		Acknowledgement: ack,
	}, nil
}

func (b *Bridge) forward(payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return core.NewError("channelbridge.forward", "channelbridge", core.ErrMalformedSignal)
	}
	_, err = b.signals.Write(signalbus.Signal{
		Source:  signalbus.RoleChannel,
		Target:  signalbus.RoleRunner,
		Type:    signalbus.TypeInboundCommand,
		Payload: data,
	})
	return err
}

// translateInbound maps the first word of inbound.Text to a message type via
// the closed commandMap table, falling back to "guidance" (spec.md §4.9 step
// 3-4).
func translateInbound(inbound InboundMessage) (string, map[string]interface{}) {
	text := strings.TrimSpace(inbound.Text)
	words := whitespace.Split(text, -1)
	firstWord := strings.ToLower(words[0])

	messageType, ok := commandMap[firstWord]
	if !ok {
		messageType = "guidance"
	}

	commandPayload := map[string]interface{}{
		"text":      inbound.Text,
		"sender":    inbound.SenderID,
		"thread_id": inbound.ThreadID,
	}

	if messageType == "approval" || messageType == "override" {
		if len(words) >= 2 {
			commandPayload["node_id"] = words[1]
		}
		if len(words) >= 3 && messageType == "override" {
			commandPayload["reason"] = strings.Join(words[2:], " ")
		}
	}

	return messageType, commandPayload
}

// Broadcast formats a runner signal as an OutboundMessage and fans it out to
// every registered channel concurrently (spec.md §4.9 "Outbound flow", §5
// "concurrent fan-out only for outbound broadcasting").
func (b *Bridge) Broadcast(ctx context.Context, signalType signalbus.Type, payload map[string]interface{}, pipelineStatus map[string]interface{}) []BroadcastResult {
	outbound := b.formatSignalAsOutbound(signalType, payload, pipelineStatus)

	if len(b.channels) == 0 {
		return nil
	}

	names := b.ChannelNames()
	results := make([]BroadcastResult, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		entry := b.channels[name]
		wg.Add(1)
		go func(i int, name string, entry channelEntry) {
			defer wg.Done()
			if err := entry.adapter.SendOutbound(ctx, outbound, entry.defaultRecipient); err != nil {
				results[i] = BroadcastResult{Channel: name, Sent: false, Error: err.Error()}
				return
			}
			results[i] = BroadcastResult{Channel: name, Sent: true}
		}(i, name, entry)
	}
	wg.Wait()

	return results
}

// SendToChannel sends msg to one specific channel, overriding its default
// recipient when recipient is non-empty.
func (b *Bridge) SendToChannel(ctx context.Context, channelName string, msg OutboundMessage, recipient string) error {
	entry, ok := b.channels[channelName]
	if !ok {
		return core.NewError("channelbridge.SendToChannel", "channelbridge", core.ErrUnknownEventType)
	}
	target := recipient
	if target == "" {
		target = entry.defaultRecipient
	}
	return entry.adapter.SendOutbound(ctx, msg, target)
}

func (b *Bridge) formatSignalAsOutbound(signalType signalbus.Type, payload map[string]interface{}, pipelineStatus map[string]interface{}) OutboundMessage {
	meta, ok := signalMetaTable[signalType]
	if !ok {
		meta = signalMeta{description: fmt.Sprintf("Runner signal: %s", signalType), wantsCard: false}
	}

	parts := []string{meta.description}
	for _, key := range []string{"node_id", "pipeline_id", "reason", "status", "current_node"} {
		if v, ok := payload[key]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", key, v))
		}
	}
	text := strings.Join(parts, " | ")

	var card map[string]interface{}
	if meta.wantsCard && pipelineStatus != nil {
		for _, name := range b.ChannelNames() {
			entry := b.channels[name]
			if cf, ok := entry.adapter.(CardFormatter); ok {
				if rendered, err := cf.FormatCard(pipelineStatus); err == nil {
					card = rendered
				}
				break
			}
		}
	}

	return OutboundMessage{Text: text, Card: card}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
