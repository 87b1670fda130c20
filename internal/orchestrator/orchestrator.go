// Package orchestrator runs the bounded self-correction loop: draft SQL with
// the model, execute it through the tool registry, evaluate the outcome, and
// retry with the error folded back in until success or the budget runs out.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/querysmith/querysmith/internal/assembler"
	"github.com/querysmith/querysmith/internal/conversation"
	"github.com/querysmith/querysmith/internal/llm"
	"github.com/querysmith/querysmith/internal/memory"
	"github.com/querysmith/querysmith/internal/observability"
	"github.com/querysmith/querysmith/internal/tool"
)

// ErrEpisodeInFlight is returned when a conversation already has an episode
// running.
var ErrEpisodeInFlight = errors.New("orchestrator: episode already in flight")

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	StatusFatal     Status = "fatal"
)

// FatalReason names why an episode ended without retrying.
type FatalReason string

const (
	ReasonMalformedResponse FatalReason = "malformed_response"
	ReasonQueryRejected     FatalReason = "query_rejected"
	ReasonBadToolCall       FatalReason = "bad_tool_call"
	ReasonCancelled         FatalReason = "cancelled"
)

// Answer is the terminal result of one episode.
type Answer struct {
	Text        string      `json:"text"`
	SQL         string      `json:"sql,omitempty"`
	Status      Status      `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	FatalReason FatalReason `json:"fatal_reason,omitempty"`
}

type Config struct {
	MaxAttempts    int
	MaxExploratory int
}

// Service owns episode execution. One episode runs per conversation at a
// time; distinct conversations proceed concurrently.
type Service struct {
	llm       llm.Client
	registry  *tool.Registry
	assembler *assembler.Assembler
	manager   *conversation.Manager
	injector  *memory.Injector
	logger    *slog.Logger
	cfg       Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewService(client llm.Client, registry *tool.Registry, asm *assembler.Assembler, manager *conversation.Manager, injector *memory.Injector, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxExploratory <= 0 {
		cfg.MaxExploratory = 5
	}
	return &Service{
		llm:       client,
		registry:  registry,
		assembler: asm,
		manager:   manager,
		injector:  injector,
		logger:    logger,
		cfg:       cfg,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Cancel aborts the in-flight episode for a conversation. It reports whether
// one was running.
func (s *Service) Cancel(conversationID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[conversationID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) registerCancel(conversationID string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.cancels[conversationID]; running {
		return nil, nil, fmt.Errorf("conversation %q: %w", conversationID, ErrEpisodeInFlight)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[conversationID] = cancel
	release := func() {
		s.mu.Lock()
		delete(s.cancels, conversationID)
		s.mu.Unlock()
		cancel()
	}
	return ctx, release, nil
}

// Ask runs one full episode for the question and returns the terminal
// answer. Infrastructure failures (context assembly, LLM transport) return
// an error and commit nothing.
func (s *Service) Ask(ctx context.Context, conversationID, question, scope string) (Answer, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	episodeCtx, release, err := s.registerCancel(conversationID)
	if err != nil {
		return Answer{}, err
	}
	defer release()

	// The episode context is cancelled by Cancel(); the caller's context
	// cancels it too.
	stop := context.AfterFunc(ctx, func() {
		s.Cancel(conversationID)
	})
	defer stop()

	start := time.Now()
	answer, err := s.runEpisode(episodeCtx, conversationID, question, scope)
	if err != nil {
		return Answer{}, err
	}

	observability.ObserveEpisode(string(answer.Status), answer.Attempts, time.Since(start))
	s.logger.InfoContext(ctx, "episode_finished",
		slog.String("conversation_id", conversationID),
		slog.String("status", string(answer.Status)),
		slog.Int("attempts", answer.Attempts),
		slog.String("duration", time.Since(start).String()),
	)
	return answer, nil
}

// episode tracks the mutable state of one self-correction loop.
type episode struct {
	conversationID string
	question       string
	scope          string

	attempts    int
	exploratory int
	verified    bool
	lastSQL     string
	lastError   string
	failedSQL   string
	failedError string

	messages []llm.Message
	pending  []conversation.Turn
}

func (s *Service) runEpisode(ctx context.Context, conversationID, question, scope string) (Answer, error) {
	records := s.injector.Fetch(ctx, scopeFor(scope), question)
	bundle, err := s.assembler.Assemble(ctx, question, scope)
	if err != nil {
		if errors.Is(err, assembler.ErrContextUnavailable) {
			return Answer{}, fmt.Errorf("assemble context for %q: %w", conversationID, err)
		}
		return Answer{}, err
	}

	ep := &episode{conversationID: conversationID, question: question, scope: scope}
	ep.messages = s.historyMessages(conversationID)
	ep.messages = append(ep.messages, llm.Message{Role: llm.RoleUser, Content: question})
	ep.appendTurn(conversation.Turn{Role: conversation.RoleUser, Content: question, Timestamp: time.Now().UTC()})

	system := buildSystemPrompt(bundle, records)
	specs := s.toolSpecs()

	for {
		if ctx.Err() != nil {
			return s.finishCancelled(ep), nil
		}

		resp, err := s.llm.Complete(ctx, llm.Request{System: system, Messages: ep.messages, Tools: specs})
		if err != nil {
			if ctx.Err() != nil {
				return s.finishCancelled(ep), nil
			}
			if errors.Is(err, llm.ErrMalformedResponse) {
				return s.finishFatal(ctx, ep, ReasonMalformedResponse, err.Error()), nil
			}
			return Answer{}, fmt.Errorf("model completion: %w", err)
		}

		if resp.ToolCall == nil {
			return s.finishSucceeded(ctx, ep, resp.Text), nil
		}

		call := tool.Call{ID: resp.ToolCall.ID, Name: resp.ToolCall.Name, Args: resp.ToolCall.Args}
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		ep.recordAssistantCall(resp.ToolCall)

		result := s.registry.Dispatch(ctx, call)
		ep.recordToolResult(call, result)

		answer, done := s.evaluate(ctx, ep, call, result)
		if done {
			return answer, nil
		}
	}
}

// evaluate applies the outcome rules. It returns done=false when the loop
// should draft again.
func (s *Service) evaluate(ctx context.Context, ep *episode, call tool.Call, result tool.Result) (Answer, bool) {
	if result.OK() {
		if call.Name == "run_sql" {
			ep.lastSQL = sqlFromArgs(call.Args)
			ep.verified = true
			return s.finishVerified(ctx, ep, result.Content), true
		}
		return s.continueExploratory(ctx, ep)
	}

	failure := result.Failure
	switch failure.Kind {
	case tool.FailureQueryRejected:
		return s.finishFatal(ctx, ep, ReasonQueryRejected, failure.Message), true
	case tool.FailureSchemaViolation, tool.FailureUnknownTool:
		return s.finishFatal(ctx, ep, ReasonBadToolCall, failure.Message), true
	case tool.FailureHandlerError:
		// Handler faults are not execution results; only warehouse failures
		// spend the correction allowance.
		return s.continueExploratory(ctx, ep)
	case tool.FailureWarehouseError, tool.FailureTimeout:
		if call.Name != "run_sql" {
			// Exploratory tool failures feed back to the model without
			// consuming a correction attempt.
			return s.continueExploratory(ctx, ep)
		}
		ep.lastSQL = sqlFromArgs(call.Args)
		ep.lastError = failure.Message
		ep.failedSQL = ep.lastSQL
		ep.failedError = failure.Message
		if ep.attempts >= s.cfg.MaxAttempts {
			return s.finishExhausted(ctx, ep), true
		}
		ep.attempts++
		return Answer{}, false
	default:
		return s.finishFatal(ctx, ep, ReasonBadToolCall, failure.Message), true
	}
}

// continueExploratory loops back to drafting without touching the attempt
// counter, bounded by the exploratory-call cap.
func (s *Service) continueExploratory(ctx context.Context, ep *episode) (Answer, bool) {
	ep.exploratory++
	if ep.exploratory >= s.cfg.MaxExploratory {
		return s.finishExhausted(ctx, ep), true
	}
	return Answer{}, false
}

// finishVerified wraps up a successful run_sql: one more model call asks for
// a summary of the rows, falling back to a deterministic sentence.
func (s *Service) finishVerified(ctx context.Context, ep *episode, resultContent string) Answer {
	text := ""
	resp, err := s.llm.Complete(ctx, llm.Request{
		System:   "Summarize the query result for the user in one or two sentences. Respond with plain text only.",
		Messages: append(append([]llm.Message{}, ep.messages...), llm.Message{Role: llm.RoleUser, Content: "Summarize the result for the original question."}),
	})
	if err == nil && resp.ToolCall == nil {
		text = resp.Text
	}
	if text == "" {
		text = fallbackSummary(rowCountFromResult(resultContent))
	}
	return s.finishSucceeded(ctx, ep, text)
}

func (s *Service) finishSucceeded(ctx context.Context, ep *episode, text string) Answer {
	ep.appendTurn(conversation.Turn{
		Role:         conversation.RoleAssistant,
		Content:      text,
		Timestamp:    time.Now().UTC(),
		AttemptIndex: ep.attempts,
	})
	s.commit(ctx, ep)

	if ep.verified && ep.attempts >= 1 && ep.failedSQL != "" {
		s.injector.SaveCorrection(ctx, scopeFor(ep.scope), ep.question,
			memory.Correction{
				OriginalSQL:  ep.failedSQL,
				CorrectedSQL: ep.lastSQL,
				ErrorMessage: ep.failedError,
				Explanation:  fmt.Sprintf("corrected after %d failed attempt(s)", ep.attempts),
			},
			memory.Provenance{ConversationID: ep.conversationID, TurnIndex: len(ep.pending) - 1},
		)
	}
	return Answer{Text: text, SQL: ep.lastSQL, Status: StatusSucceeded, Attempts: ep.attempts}
}

func (s *Service) finishExhausted(ctx context.Context, ep *episode) Answer {
	text := exhaustedAnswerText(ep.lastSQL, ep.lastError)
	ep.appendTurn(conversation.Turn{
		Role:         conversation.RoleAssistant,
		Content:      text,
		Timestamp:    time.Now().UTC(),
		AttemptIndex: ep.attempts,
	})
	s.commit(ctx, ep)
	return Answer{
		Text:      text,
		SQL:       ep.lastSQL,
		Status:    StatusExhausted,
		Attempts:  ep.attempts,
		LastError: ep.lastError,
	}
}

func (s *Service) finishFatal(ctx context.Context, ep *episode, reason FatalReason, message string) Answer {
	ep.lastError = message
	ep.appendTurn(conversation.Turn{
		Role:         conversation.RoleAssistant,
		Content:      fmt.Sprintf("The request could not be completed: %s", message),
		Timestamp:    time.Now().UTC(),
		AttemptIndex: ep.attempts,
	})
	s.commit(ctx, ep)
	return Answer{
		Text:        fmt.Sprintf("The request could not be completed: %s", message),
		SQL:         ep.lastSQL,
		Status:      StatusFatal,
		Attempts:    ep.attempts,
		LastError:   message,
		FatalReason: reason,
	}
}

// finishCancelled commits nothing: a cancelled episode leaves no partial
// turns behind.
func (s *Service) finishCancelled(ep *episode) Answer {
	return Answer{
		Text:        "The request was cancelled.",
		SQL:         ep.lastSQL,
		Status:      StatusFatal,
		Attempts:    ep.attempts,
		LastError:   context.Canceled.Error(),
		FatalReason: ReasonCancelled,
	}
}

// commit appends the episode transcript to the conversation as one batch.
// Commit uses a fresh context so a cancelled request cannot corrupt state
// mid-write, though cancelled episodes never reach here.
func (s *Service) commit(ctx context.Context, ep *episode) {
	if err := s.manager.Append(ep.conversationID, ep.pending...); err != nil {
		s.logger.ErrorContext(ctx, "episode_commit_failed",
			slog.String("conversation_id", ep.conversationID),
			slog.String("error", err.Error()),
		)
	}
}

func (ep *episode) appendTurn(turn conversation.Turn) {
	ep.pending = append(ep.pending, turn)
}

func (ep *episode) recordAssistantCall(call *llm.ToolCall) {
	ep.messages = append(ep.messages, llm.Message{Role: llm.RoleAssistant, ToolCall: call})
	payload, _ := json.Marshal(call)
	ep.appendTurn(conversation.Turn{
		Role:         conversation.RoleAssistant,
		ToolPayload:  payload,
		Timestamp:    time.Now().UTC(),
		AttemptIndex: ep.attempts,
	})
}

func (ep *episode) recordToolResult(call tool.Call, result tool.Result) {
	content := result.Content
	if result.Failure != nil {
		encoded, _ := json.Marshal(result.Failure)
		content = string(encoded)
	}
	ep.messages = append(ep.messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: content})
	payload, _ := json.Marshal(result)
	ep.appendTurn(conversation.Turn{
		Role:         conversation.RoleTool,
		ToolPayload:  payload,
		Timestamp:    time.Now().UTC(),
		AttemptIndex: ep.attempts,
	})
}

// historyMessages converts prior committed turns into model messages.
func (s *Service) historyMessages(conversationID string) []llm.Message {
	conv, err := s.manager.Get(conversationID)
	if err != nil {
		return nil
	}
	messages := make([]llm.Message, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		switch turn.Role {
		case conversation.RoleUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Content})
		case conversation.RoleAssistant:
			if turn.Content != "" {
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: turn.Content})
			}
		}
		// Tool turns from prior episodes are omitted: the assistant's final
		// text already carries their outcome.
	}
	return messages
}

func (s *Service) toolSpecs() []llm.ToolSpec {
	defs := s.registry.Definitions()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		properties := make(map[string]llm.Property, len(def.Params.Properties))
		for name, property := range def.Params.Properties {
			properties[name] = llm.Property{Type: property.Type, Description: property.Description}
		}
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Properties:  properties,
			Required:    def.Params.Required,
		})
	}
	return specs
}

func scopeFor(scope string) memory.Scope {
	if scope == "" {
		return memory.ScopeGlobal
	}
	return memory.Scope(scope)
}

func sqlFromArgs(args json.RawMessage) string {
	var input struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return ""
	}
	return input.SQL
}

func rowCountFromResult(content string) int {
	var output struct {
		RowCount int `json:"row_count"`
	}
	if err := json.Unmarshal([]byte(content), &output); err != nil {
		return 0
	}
	return output.RowCount
}
