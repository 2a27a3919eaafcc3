package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"scm-relay/internal/domain"
	"scm-relay/internal/integrations/assistant"
)

const (
	defaultLivenessPeriod = 3 * time.Second
	defaultApology        = "Sorry, something went wrong while processing your request. Please try again later."
	deliveryTimeout       = 15 * time.Second
)

// Assistant is the three-step remote protocol a turn drives.
type Assistant interface {
	OpenThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, text, role string) error
	StartRun(ctx context.Context, threadID string) (*assistant.Stream, error)
}

// Messenger delivers activities to a user through their reach-back handle.
type Messenger interface {
	SendText(ctx context.Context, ref domain.ConversationReference, text string) error
	SendTyping(ctx context.Context, ref domain.ConversationReference) error
}

type TurnState int

const (
	StateIdle TurnState = iota
	StateAwaitingThread
	StateAwaitingMessage
	StateStreaming
	StateDelivered
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingThread:
		return "awaiting_thread"
	case StateAwaitingMessage:
		return "awaiting_message"
	case StateStreaming:
		return "streaming"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("TurnState(%d)", int(s))
}

// Turn is one inbound user message on its way to one reply.
type Turn struct {
	ID        string
	UserID    string
	Text      string
	ReachBack domain.ConversationReference
	StartedAt time.Time
}

// Outcome is the terminal result of a Turn.
type Outcome struct {
	TurnID string
	State  TurnState
	Answer string
	// FailedIn is the state the turn was in when it failed.
	FailedIn TurnState
	Err      error
	// DeliveryErr is set when the final reply could not be sent.
	DeliveryErr error
}

// TurnExecutor relays one user message to the assistant and delivers exactly
// one reply: the answer, or an apology.
type TurnExecutor struct {
	assistant Assistant
	messenger Messenger
	period    time.Duration
	apology   string
	logger    *slog.Logger
}

type TurnOption func(*TurnExecutor)

// WithLivenessPeriod sets how often the typing indicator repeats.
func WithLivenessPeriod(d time.Duration) TurnOption {
	return func(e *TurnExecutor) {
		if d > 0 {
			e.period = d
		}
	}
}

func WithApology(text string) TurnOption {
	return func(e *TurnExecutor) {
		if text != "" {
			e.apology = text
		}
	}
}

func WithTurnLogger(l *slog.Logger) TurnOption {
	return func(e *TurnExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewTurnExecutor(a Assistant, m Messenger, opts ...TurnOption) (*TurnExecutor, error) {
	if a == nil {
		return nil, errors.New("usecase: assistant must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	e := &TurnExecutor{
		assistant: a,
		messenger: m,
		period:    defaultLivenessPeriod,
		apology:   defaultApology,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the turn to its terminal state. The typing indicator starts
// before the first remote call and is stopped before the reply is sent, on
// every path.
func (e *TurnExecutor) Execute(ctx context.Context, turn Turn) Outcome {
	if turn.ID == "" {
		turn.ID = newUUID()
	}
	if turn.StartedAt.IsZero() {
		turn.StartedAt = time.Now()
	}
	logger := e.logger.With("component", "turn", "turn_id", turn.ID, "user_id", turn.UserID)

	live := e.startLiveness(ctx, turn, logger)
	defer live.stop()

	state := StateAwaitingThread
	answer, err := e.relay(ctx, turn, &state, logger)

	out := Outcome{TurnID: turn.ID, Answer: answer}
	reply := answer
	if err != nil {
		out.State, out.FailedIn, out.Err = StateFailed, state, err
		out.Answer = ""
		reply = e.apology
		logger.Error("turn failed",
			"state", state.String(),
			"kind", errorKind(err),
			"elapsed", time.Since(turn.StartedAt),
			"err", err)
	} else {
		out.State = StateDelivered
		logger.Info("turn delivered", "elapsed", time.Since(turn.StartedAt), "answer_len", len(answer))
	}

	live.stop()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()
	if sendErr := e.messenger.SendText(sendCtx, turn.ReachBack, reply); sendErr != nil {
		out.DeliveryErr = sendErr
		logger.Error("turn reply not delivered", "state", out.State.String(), "err", sendErr)
	}
	return out
}

func (e *TurnExecutor) relay(ctx context.Context, turn Turn, state *TurnState, logger *slog.Logger) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("usecase: turn panicked: %v", r)
		}
	}()

	*state = StateAwaitingThread
	threadID, err := e.assistant.OpenThread(ctx)
	if err != nil {
		return "", err
	}

	*state = StateAwaitingMessage
	if err := e.assistant.PostMessage(ctx, threadID, turn.Text, assistant.RoleUser); err != nil {
		return "", err
	}

	*state = StateStreaming
	stream, err := e.assistant.StartRun(ctx, threadID)
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()
	return consumeRun(stream, threadID, logger)
}

// consumeRun reads the run stream until the first completed message, an
// error event, or the end of the stream.
func consumeRun(stream *assistant.Stream, threadID string, logger *slog.Logger) (string, error) {
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return "", &assistant.NoContentError{ThreadID: threadID}
		}
		if err != nil {
			var decErr *assistant.DecodeError
			if errors.As(err, &decErr) {
				// Not tied to any event this relay acts on.
				logger.Warn("skipping malformed stream line", "err", err)
				continue
			}
			return "", err
		}

		switch ev.Name {
		case domain.EventMessageCompleted:
			return assistant.ParseCompletedMessage(ev.Data)
		case domain.EventError:
			return "", &assistant.RemoteProtocolError{Op: "run stream", Body: ev.Data}
		}
	}
}

// liveness is the repeating typing indicator of one turn.
type liveness struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	turnID string
}

// startLiveness sends one typing indicator now and repeats it every period
// until stop.
func (e *TurnExecutor) startLiveness(ctx context.Context, turn Turn, logger *slog.Logger) *liveness {
	if err := e.messenger.SendTyping(ctx, turn.ReachBack); err != nil {
		logger.Warn("typing indicator failed", "err", err)
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &liveness{cancel: cancel, done: make(chan struct{}), turnID: turn.ID}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(e.period)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				if lctx.Err() != nil {
					return
				}
				if err := e.messenger.SendTyping(lctx, turn.ReachBack); err != nil && lctx.Err() == nil {
					logger.Warn("typing indicator failed", "err", err)
				}
			}
		}
	}()
	return l
}

// stop cancels the indicator and waits for any in-flight send to finish, so
// nothing is emitted after it returns. Only the first call has effect.
func (l *liveness) stop() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
		livenessStopped(l.turnID)
	})
}

var livenessStopped = func(string) {}

func errorKind(err error) string {
	var (
		transport *assistant.TransportError
		remote    *assistant.RemoteProtocolError
		decode    *assistant.DecodeError
		noContent *assistant.NoContentError
	)
	switch {
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &remote):
		return "remote_protocol"
	case errors.As(err, &decode):
		return "decode"
	case errors.As(err, &noContent):
		return "no_content"
	}
	return "internal"
}

var newUUID = func() string {
	return uuid.NewString()
}
