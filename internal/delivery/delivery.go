// Package delivery turns computed facts into content and hands it to the
// downstream mailer.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"luraaya/apps/backend/features/job"
	"luraaya/apps/backend/internal/config"
)

const (
	StepLLM  = "llm"
	StepSend = "send"

	CodeLLMStage  = "LLM_STAGE_ERROR"
	CodeSendStage = "SEND_STAGE_ERROR"

	disabledPrefix = "disabled:"
)

var (
	ErrNoDestination      = errors.New("missing send_to destination")
	ErrInvalidDestination = errors.New("invalid destination")

	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)
)

// StageError attributes a failure to the llm or send step.
type StageError struct {
	Step string
	Code string
	Err  error
}

func (e *StageError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Payload is the message published for the mailer. The mailer dedups on
// IdempotencyKey.
type Payload struct {
	IdempotencyKey string    `json:"idempotency_key"`
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id"`
	MessageType    string    `json:"message_type"`
	Title          string    `json:"title"`
	Channel        string    `json:"channel"`
	SendTo         string    `json:"send_to"`
	Language       string    `json:"language"`
	Content        string    `json:"content"`
	PromptVersion  string    `json:"prompt_version"`
	FactsHash      string    `json:"facts_hash"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Message is a generated piece of content ready for hand-off.
type Message struct {
	Content       string
	PromptVersion string
	MessageType   string
}

type Dispatcher struct {
	gen            Generator
	pub            Publisher
	disabled       bool
	publishTimeout time.Duration
}

func NewDispatcher(gen Generator, pub Publisher, disabled bool) *Dispatcher {
	return &Dispatcher{gen: gen, pub: pub, disabled: disabled, publishTimeout: 5 * time.Second}
}

// Generate produces the content for j. Failures are StageErrors on the llm step.
func (d *Dispatcher) Generate(ctx context.Context, j job.Job, s job.Subject, facts json.RawMessage, now time.Time) (Message, error) {
	msgType := j.MessageType
	if msgType == "" {
		msgType = MessageTypeFor(s.SubscriptionType)
	}

	p := BuildPrompt(PromptInput{Subject: s, MessageType: msgType, Facts: facts, Date: now})
	text, err := d.gen.Generate(ctx, p.System, p.User)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty content")
	}
	if err != nil {
		return Message{}, &StageError{Step: StepLLM, Code: CodeLLMStage, Err: err}
	}

	return Message{Content: text, PromptVersion: PromptVersion, MessageType: msgType}, nil
}

// Deliver hands msg off and returns the provider message id recorded on the
// row. With delivery disabled nothing is published.
func (d *Dispatcher) Deliver(ctx context.Context, j job.Job, s job.Subject, msg Message, now time.Time) (string, error) {
	if d.disabled {
		slog.InfoContext(ctx, "delivery disabled, skipping hand-off", "job_id", j.ID, "channel", s.Channel)
		return disabledPrefix + j.IdempotencyKey, nil
	}

	channel := strings.ToLower(strings.TrimSpace(s.Channel))
	if channel == "" {
		channel = "email"
	}
	if err := validateDestination(channel, s.SendTo); err != nil {
		return "", &StageError{Step: StepSend, Code: CodeSendStage, Err: err}
	}

	body, err := json.Marshal(Payload{
		IdempotencyKey: j.IdempotencyKey,
		JobID:          j.ID,
		UserID:         s.ID,
		MessageType:    msg.MessageType,
		Title:          Title(msg.MessageType),
		Channel:        channel,
		SendTo:         strings.TrimSpace(s.SendTo),
		Language:       s.Language,
		Content:        msg.Content,
		PromptVersion:  msg.PromptVersion,
		FactsHash:      j.FactsHash,
		GeneratedAt:    now,
	})
	if err != nil {
		return "", &StageError{Step: StepSend, Code: CodeSendStage, Err: err}
	}

	if err := d.publish(ctx, body); err != nil {
		return "", &StageError{Step: StepSend, Code: CodeSendStage, Err: err}
	}
	return j.IdempotencyKey, nil
}

func (d *Dispatcher) publish(ctx context.Context, body []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- d.pub.Publish(config.TopicHoroscopeDeliver, body)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(d.publishTimeout):
		return errors.New("timeout waiting for NSQ publish")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateDestination(channel, dest string) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return ErrNoDestination
	}
	switch channel {
	case "email":
		if !emailPattern.MatchString(dest) {
			return fmt.Errorf("%w: email", ErrInvalidDestination)
		}
	case "sms", "whatsapp":
		if !phonePattern.MatchString(strings.TrimPrefix(dest, "whatsapp:")) {
			return fmt.Errorf("%w: phone (E.164)", ErrInvalidDestination)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidDestination, channel)
	}
	return nil
}

func Title(messageType string) string {
	switch messageType {
	case MessageWeekly:
		return "Your weekly forecast ✨"
	case MessageMonthly:
		return "Your monthly reading ✨"
	case MessageDaily:
		return "Your daily horoscope ✨"
	}
	return "Your horoscope ✨"
}
