// Package mockchat is a canned stand-in for the real conversational
// backend. It mimics the upstream contract end to end, state-advance
// envelope plus event stream, so the relay and its clients behave
// identically with USE_MOCK_CHAT enabled.
package mockchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/autosnap/drift-relay/internal/gateway"
	"github.com/autosnap/drift-relay/internal/logger"
)

// Workflow ids matching the production backend.
const (
	workflowGeneral          = 1
	workflowShopperShowroom  = 2
	workflowPersonalShowroom = 3
)

// fieldStep is one step of a data-collection progression.
type fieldStep struct {
	field  string // field label announced to the user
	key    string // collected_data key the answer lands under
	prompt string // assistant message asking for the next field
	hasUI  bool   // whether the prompt carries a UI directive
	ui     string // the UI directive payload, when hasUI
}

var shopperShowroomSteps = []fieldStep{
	{field: "your phone number", key: "user_phone",
		prompt: "Got it! Could you please provide your phone number?"},
	{field: "your email", key: "user_email",
		prompt: "Thanks! Now I need your email address."},
	{field: "your customer's name", key: "shopper_name",
		prompt: "Perfect! Now, what's your customer's name?"},
	{field: "your customer's phone number", key: "shopper_phone",
		prompt: "Got it! What's your customer's phone number?"},
	{field: "your customer's email", key: "shopper_email",
		prompt: "Thanks! What's your customer's email address?"},
	{field: "vehicle preferences or specific vehicle page URLs", key: "vehicle_choice",
		prompt: "Great! Now, tell me about the vehicles your customer is interested in.",
		hasUI:  true,
		ui:     `<VehiclePreferencesForm name="vehiclesearchpreference" />`},
}

var personalShowroomSteps = []fieldStep{
	{field: "showroom name", key: "showroom_name",
		prompt: "Let's set up your personal showroom. What would you like to name it?"},
	{field: "your dealership website URL", key: "dealershipwebsite_url",
		prompt: "Thank you! Now, please provide your dealership website URL."},
	{field: "vehicle preferences", key: "vehiclesearchpreference",
		prompt: "Almost done! Which vehicles should the showroom feature?",
		hasUI:  true,
		ui:     `<VehiclePreferencesForm name="vehiclesearchpreference" />`},
}

// TurnResult is a mock turn reply: the normalized state-advance
// envelope plus the stream-level UI flag.
type TurnResult struct {
	gateway.TurnResponse
	HasUI bool
	UI    string
}

// Service advances canned workflows. All mutable state lives in the
// store, keyed by conversation id.
type Service struct {
	store *Store
	log   *logger.Logger
}

// NewService builds a mock backend over the given store.
func NewService(store *Store, log *logger.Logger) *Service {
	return &Service{
		store: store,
		log:   log.WithComponent("mockchat"),
	}
}

// Advance processes one user turn: it routes a pending conversation to
// a workflow, or records the answer to the current field and asks for
// the next one.
func (s *Service) Advance(ctx context.Context, conversationID int64, userQuery string) (*TurnResult, error) {
	state, err := s.loadOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var result *TurnResult
	switch state.WorkflowStatus {
	case "pending":
		result = s.routeWorkflow(state, userQuery)
	case "collecting_data", "optional_collection":
		result = s.collectField(state, userQuery)
	default:
		result = s.reply(state, "Your showroom is ready! Is there anything else I can help you with?", nil)
	}

	if err := s.store.Save(ctx, state); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) loadOrCreate(ctx context.Context, conversationID int64) (*ConversationState, error) {
	if conversationID != 0 {
		state, err := s.store.Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}
	}
	return s.store.Create(ctx)
}

// routeWorkflow picks a workflow for a pending conversation based on
// the user's intent.
func (s *Service) routeWorkflow(state *ConversationState, userQuery string) *TurnResult {
	lower := strings.ToLower(userQuery)

	switch {
	case strings.Contains(lower, "shopper showroom"):
		state.WorkflowID = workflowShopperShowroom
		state.WorkflowStatus = "collecting_data"
		state.CurrentField = shopperShowroomSteps[0].field
		return s.reply(state,
			"Great! I'll help you create a shopper showroom for your customer. Let's start by collecting some information. Could you please provide your phone number?",
			nil)

	case strings.Contains(lower, "personal showroom"):
		state.WorkflowID = workflowPersonalShowroom
		state.WorkflowStatus = "collecting_data"
		state.CurrentField = personalShowroomSteps[0].field
		return s.reply(state, personalShowroomSteps[0].prompt, nil)

	default:
		state.WorkflowID = workflowGeneral
		return s.reply(state,
			"Hi! I can help you create a shopper showroom for a specific customer, or a personal showroom for your dealership. Which would you like?",
			nil)
	}
}

// collectField records the answer to the current field and advances to
// the next step, completing the workflow when none remain.
func (s *Service) collectField(state *ConversationState, userQuery string) *TurnResult {
	steps := stepsFor(state.WorkflowID)
	idx := stepIndex(steps, state.CurrentField)
	if idx < 0 {
		// Unknown field, restart collection at the first step.
		state.CurrentField = steps[0].field
		return s.reply(state, steps[0].prompt, nil)
	}

	state.CollectedData[steps[idx].key] = userQuery

	if idx+1 < len(steps) {
		next := steps[idx+1]
		state.CurrentField = next.field
		result := s.reply(state, next.prompt, nil)
		result.HasUI = next.hasUI
		result.UI = next.ui
		return result
	}

	state.WorkflowStatus = "completed"
	state.CurrentField = ""
	return s.reply(state,
		"Perfect, that's everything I need! Your showroom is being created and a share link will be ready shortly.",
		nil)
}

func stepsFor(workflowID int) []fieldStep {
	if workflowID == workflowPersonalShowroom {
		return personalShowroomSteps
	}
	return shopperShowroomSteps
}

func stepIndex(steps []fieldStep, field string) int {
	for i, step := range steps {
		if step.field == field {
			return i
		}
	}
	return -1
}

func (s *Service) reply(state *ConversationState, content string, collected map[string]interface{}) *TurnResult {
	if collected == nil {
		collected = state.CollectedData
	}
	nextField := state.CurrentField

	return &TurnResult{
		TurnResponse: gateway.TurnResponse{
			Role:           "assistant",
			Content:        content,
			ConversationID: state.ConversationID,
			WorkflowID:     state.WorkflowID,
			WorkflowStatus: state.WorkflowStatus,
			NextField:      nextField,
			CollectedData:  collected,
		},
	}
}

// OpenTurnStream renders a turn result as the same event-stream framing
// the real conversational backend produces, so the relay's reframer
// path is identical for mock and real turns.
func (s *Service) OpenTurnStream(result *TurnResult) (io.ReadCloser, error) {
	content := result.Content
	if result.HasUI && result.UI != "" {
		content = content + "\n[UI_COMPONENT_START]" + result.UI + "[UI_COMPONENT_END]"
	}

	payload, err := json.Marshal(map[string]interface{}{
		"conversation_id": result.ConversationID,
		"content":         content,
		"has_ui":          result.HasUI,
		"workflow_id":     result.WorkflowID,
		"workflow_status": result.WorkflowStatus,
		"next_field":      result.NextField,
		"collected_data":  result.CollectedData,
	})
	if err != nil {
		return nil, fmt.Errorf("encode mock stream payload: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: message\ndata: %s\n\n", payload)
	b.WriteString("event: done\ndata: [DONE]\n\n")

	return io.NopCloser(strings.NewReader(b.String())), nil
}
