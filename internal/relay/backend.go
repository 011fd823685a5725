package relay

import (
	"context"
	"io"

	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/mockchat"
)

// TurnInput is one user turn as seen by the relay.
type TurnInput struct {
	UserQuery      string
	SessionID      int64
	UserID         int64
	ConversationID int64
	VisitorIP      string
	Creds          gateway.CredentialStore
}

// TurnBackend advances conversation state for a turn and opens the
// streamed half of the reply. The relay treats the real upstream pair
// (session service + conversational backend) and the mock backend
// interchangeably behind this interface.
type TurnBackend interface {
	AdvanceTurn(ctx context.Context, in TurnInput) (*gateway.TurnResponse, io.ReadCloser, error)
}

// upstreamBackend drives the production pair of upstream calls: the
// state-advance call, then the stream-open call.
type upstreamBackend struct {
	gw *gateway.Client
}

// NewUpstreamBackend wraps the gateway client as a TurnBackend.
func NewUpstreamBackend(gw *gateway.Client) TurnBackend {
	return &upstreamBackend{gw: gw}
}

func (b *upstreamBackend) AdvanceTurn(ctx context.Context, in TurnInput) (*gateway.TurnResponse, io.ReadCloser, error) {
	resp, err := b.gw.SendTurn(ctx, gateway.TurnRequest{
		UserQuery:         in.UserQuery,
		VisitorIPAddress:  in.VisitorIP,
		ConversationID:    in.ConversationID,
		UserID:            in.UserID,
		ChatUserSessionID: in.SessionID,
	}, in.Creds)
	if err != nil {
		return nil, nil, err
	}

	collectedFields := resp.CollectedFields
	if collectedFields == nil {
		collectedFields = []string{}
	}

	body, err := b.gw.OpenTurnStream(ctx, gateway.StreamRequest{
		UserQuery:        in.UserQuery,
		ConversationID:   resp.ConversationID,
		UserID:           resp.UserID,
		SessionID:        formatSessionID(in.SessionID),
		VisitorIPAddress: in.VisitorIP,
		WorkflowID:       resp.WorkflowID,
		WorkflowStatus:   resp.WorkflowStatus,
		NextField:        resp.Field(),
		CollectedFields:  collectedFields,
		CollectedData:    resp.CollectedData,
	})
	if err != nil {
		return nil, nil, err
	}

	return resp, body, nil
}

// mockBackend serves canned turns from the mockchat service.
type mockBackend struct {
	svc *mockchat.Service
}

// NewMockBackend wraps the mock chat service as a TurnBackend.
func NewMockBackend(svc *mockchat.Service) TurnBackend {
	return &mockBackend{svc: svc}
}

func (b *mockBackend) AdvanceTurn(ctx context.Context, in TurnInput) (*gateway.TurnResponse, io.ReadCloser, error) {
	result, err := b.svc.Advance(ctx, in.ConversationID, in.UserQuery)
	if err != nil {
		return nil, nil, err
	}

	body, err := b.svc.OpenTurnStream(result)
	if err != nil {
		return nil, nil, err
	}

	resp := result.TurnResponse
	return &resp, body, nil
}
