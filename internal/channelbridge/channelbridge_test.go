package channelbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/internal/signalbus"
)

type fakeAdapter struct {
	verifyOK bool
	verifyErr error
	inbound  InboundMessage
	sent     []OutboundMessage
	sendErr  error
}

func (f *fakeAdapter) VerifyWebhook(raw []byte) (bool, error) {
	return f.verifyOK, f.verifyErr
}

func (f *fakeAdapter) ParseInbound(raw []byte) (InboundMessage, error) {
	return f.inbound, nil
}

func (f *fakeAdapter) SendOutbound(ctx context.Context, msg OutboundMessage, recipient string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

type cardAdapter struct {
	fakeAdapter
}

func (c *cardAdapter) FormatCard(status map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"title": status["pipeline_id"]}, nil
}

func newTestBridge(t *testing.T) (*Bridge, *signalbus.Store) {
	t.Helper()
	store, err := signalbus.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(store), store
}

func TestHandleInboundRejectsFailedVerification(t *testing.T) {
	b, _ := newTestBridge(t)
	b.RegisterChannel("gchat", &fakeAdapter{verifyOK: false}, "space/1")

	result, err := b.HandleInbound("gchat", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "rejected", result.MessageType)
	assert.False(t, result.Routed)
}

func TestHandleInboundApprovalExtractsNodeID(t *testing.T) {
	b, store := newTestBridge(t)
	b.RegisterChannel("gchat", &fakeAdapter{verifyOK: true, inbound: InboundMessage{Text: "approve impl_backend", SenderID: "alice"}}, "space/1")

	result, err := b.HandleInbound("gchat", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "approval", result.MessageType)
	assert.True(t, result.Routed)

	sigs, err := store.List(signalbus.RoleRunner)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeInboundCommand, sigs[0].Type)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(sigs[0].Payload, &payload))
	cmdPayload := payload["command_payload"].(map[string]interface{})
	assert.Equal(t, "impl_backend", cmdPayload["node_id"])
}

func TestHandleInboundOverrideExtractsReason(t *testing.T) {
	b, store := newTestBridge(t)
	b.RegisterChannel("gchat", &fakeAdapter{verifyOK: true, inbound: InboundMessage{Text: "reject impl_backend too many errors"}}, "space/1")

	result, err := b.HandleInbound("gchat", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "override", result.MessageType)

	sigs, err := store.List(signalbus.RoleRunner)
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(sigs[0].Payload, &payload))
	cmdPayload := payload["command_payload"].(map[string]interface{})
	assert.Equal(t, "impl_backend", cmdPayload["node_id"])
	assert.Equal(t, "too many errors", cmdPayload["reason"])
}

func TestHandleInboundFallsBackToGuidance(t *testing.T) {
	b, _ := newTestBridge(t)
	b.RegisterChannel("gchat", &fakeAdapter{verifyOK: true, inbound: InboundMessage{Text: "what's the status"}}, "space/1")

	result, err := b.HandleInbound("gchat", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "guidance", result.MessageType)
}

func TestHandleInboundUnknownChannelErrors(t *testing.T) {
	b, _ := newTestBridge(t)
	_, err := b.HandleInbound("nope", []byte(`{}`))
	require.Error(t, err)
}

func TestBroadcastSendsToAllChannelsConcurrently(t *testing.T) {
	b, _ := newTestBridge(t)
	a1 := &fakeAdapter{}
	a2 := &fakeAdapter{}
	b.RegisterChannel("gchat", a1, "space/1")
	b.RegisterChannel("slack", a2, "C123")

	results := b.Broadcast(context.Background(), signalbus.TypeRunnerComplete, map[string]interface{}{"pipeline_id": "p1"}, nil)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Sent)
	}
	require.Len(t, a1.sent, 1)
	assert.Contains(t, a1.sent[0].Text, "pipeline_id: p1")
}

func TestBroadcastCollectsPerChannelFailuresWithoutBlockingOthers(t *testing.T) {
	b, _ := newTestBridge(t)
	good := &fakeAdapter{}
	bad := &fakeAdapter{sendErr: errors.New("timeout")}
	b.RegisterChannel("good", good, "r1")
	b.RegisterChannel("bad", bad, "r2")

	results := b.Broadcast(context.Background(), signalbus.TypeRunnerStuck, map[string]interface{}{}, nil)
	require.Len(t, results, 2)

	byName := map[string]BroadcastResult{}
	for _, r := range results {
		byName[r.Channel] = r
	}
	assert.True(t, byName["good"].Sent)
	assert.False(t, byName["bad"].Sent)
	assert.Equal(t, "timeout", byName["bad"].Error)
}

func TestBroadcastRendersCardFromFirstCapableAdapter(t *testing.T) {
	b, _ := newTestBridge(t)
	cb := &cardAdapter{}
	b.RegisterChannel("gchat", cb, "space/1")

	results := b.Broadcast(context.Background(), signalbus.TypeAwaitingApproval, map[string]interface{}{"node_id": "impl_A"}, map[string]interface{}{"pipeline_id": "p1"})
	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
	require.Len(t, cb.sent, 1)
	require.NotNil(t, cb.sent[0].Card)
	assert.Equal(t, "p1", cb.sent[0].Card["title"])
}

func TestSendToChannelOverridesDefaultRecipient(t *testing.T) {
	b, _ := newTestBridge(t)
	a := &fakeAdapter{}
	b.RegisterChannel("gchat", a, "space/default")

	err := b.SendToChannel(context.Background(), "gchat", OutboundMessage{Text: "hi"}, "space/override")
	require.NoError(t, err)
	require.Len(t, a.sent, 1)
}

func TestUnregisterChannelRemovesFromBroadcast(t *testing.T) {
	b, _ := newTestBridge(t)
	a := &fakeAdapter{}
	b.RegisterChannel("gchat", a, "r1")
	b.UnregisterChannel("gchat")

	results := b.Broadcast(context.Background(), signalbus.TypeRunnerStarted, map[string]interface{}{}, nil)
	assert.Empty(t, results)
}
