// Package chat orchestrates the conversation flow: it builds generation
// requests from history, calls the fallback registry, and records usage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptlab/orchestrator/internal/analytics"
	"github.com/promptlab/orchestrator/internal/llm"
)

var ErrNotFound = errors.New("conversation not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewConversation(userID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Conversation) Append(role, content string) Message {
	msg := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.CreatedAt
	return msg
}

// History returns up to limit turns preceding the last message, oldest
// first. The last message is the prompt itself and is excluded.
func (c *Conversation) History(limit int) []llm.Turn {
	if len(c.Messages) <= 1 {
		return nil
	}
	prior := c.Messages[:len(c.Messages)-1]
	if len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	turns := make([]llm.Turn, len(prior))
	for i, m := range prior {
		turns[i] = llm.Turn{Role: m.Role, Content: m.Content, At: m.CreatedAt}
	}
	return turns
}

// Store persists conversations. Save upserts the conversation row and
// appends any new messages.
type Store interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	Save(ctx context.Context, c *Conversation) error
}

// Generator is the fallback orchestrator surface the chat flow depends on.
type Generator interface {
	GenerateWithFallback(ctx context.Context, req *llm.Request, preferred llm.Provider) (*llm.Response, error)
}

type Request struct {
	UserID         string
	Message        string
	ConversationID string // empty starts a new conversation
	Preferred      llm.Provider
	MaxTokens      int
	Temperature    float64 // 0 means default
}

type Result struct {
	ConversationID string
	UserMessage    Message
	Reply          Message
	Provider       llm.Provider
	Model          string
	Metrics        llm.Metrics
}

type Service struct {
	generator Generator
	store     Store
	usage     analytics.Recorder
}

func NewService(generator Generator, store Store, usage analytics.Recorder) *Service {
	return &Service{generator: generator, store: store, usage: usage}
}

func (s *Service) Execute(ctx context.Context, req *Request) (*Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	conv, err := s.loadConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	userMsg := conv.Append(RoleUser, req.Message)

	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	llmReq := &llm.Request{
		Prompt:      req.Message,
		History:     conv.History(llm.HistoryLimit),
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
	}

	resp, err := s.generator.GenerateWithFallback(ctx, llmReq, req.Preferred)
	if err != nil {
		return nil, err
	}

	reply := conv.Append(RoleAssistant, resp.Content)
	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	// Usage recording is fire and forget; a sink failure never fails the
	// chat flow.
	requestID := uuid.New().String()
	usage := analytics.NewUsageLog(conv.UserID, conv.ID, requestID, resp.Metrics)
	go func() {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.usage.Record(recordCtx, usage); err != nil {
			log.Printf("chat: failed to record usage for conversation %s: %v", conv.ID, err)
		}
	}()

	return &Result{
		ConversationID: conv.ID,
		UserMessage:    userMsg,
		Reply:          reply,
		Provider:       resp.Provider,
		Model:          resp.Model,
		Metrics:        resp.Metrics,
	}, nil
}

func (s *Service) loadConversation(ctx context.Context, req *Request) (*Conversation, error) {
	if req.ConversationID == "" {
		return NewConversation(req.UserID), nil
	}
	conv, err := s.store.Get(ctx, req.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return NewConversation(req.UserID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}
