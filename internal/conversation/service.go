// ABOUTME: Service runs one conversation cycle per submitted turn, from intake to delivery
// ABOUTME: Record first, then act: the user turn is durable before the model is called

package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/parley-gateway/internal/cycle"
	"github.com/2389/parley-gateway/internal/lease"
	"github.com/2389/parley-gateway/internal/model"
	"github.com/2389/parley-gateway/internal/speech"
	"github.com/2389/parley-gateway/internal/store"
)

const tracerName = "github.com/2389/parley-gateway/internal/conversation"

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetAudio(ctx context.Context, id string) (*store.AudioArtifact, error)

	AppendTurn(ctx context.Context, sessionID string, payload *store.TurnPayload) (*store.Turn, error)
	ReadTurns(ctx context.Context, sessionID string, opts store.ReadOptions) ([]*store.Turn, error)
	FindTurnByRequest(ctx context.Context, sessionID, requestID string, role store.Role) (*store.Turn, error)

	SaveAudio(ctx context.Context, artifact *store.AudioArtifact) error
	FindAudioByTurn(ctx context.Context, turnID string) (*store.AudioArtifact, error)
}

// Deps are the collaborators of a Service. Transcriber and Synthesizer may be nil,
// in which case voice input fails transcription and voice output is reported unavailable.
type Deps struct {
	Store       ConversationStore
	Locker      lease.Locker
	Completer   model.Completer
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	Events      *EventBroadcaster
}

// Options tune retries and per-call timeouts
type Options struct {
	MaxRetryAttempts  int           // total completion attempts, including the first
	RetryBackoff      time.Duration // initial backoff between completion attempts
	TranscribeTimeout time.Duration
	CompleteTimeout   time.Duration
	SynthesizeTimeout time.Duration
	VoiceProfile      string // used when a request names none
	HistoryPageSize   int
}

// DefaultOptions returns the options used for zero fields
func DefaultOptions() Options {
	return Options{
		MaxRetryAttempts:  3,
		RetryBackoff:      500 * time.Millisecond,
		TranscribeTimeout: 60 * time.Second,
		CompleteTimeout:   60 * time.Second,
		SynthesizeTimeout: 60 * time.Second,
		HistoryPageSize:   store.DefaultPageSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.TranscribeTimeout <= 0 {
		o.TranscribeTimeout = d.TranscribeTimeout
	}
	if o.CompleteTimeout <= 0 {
		o.CompleteTimeout = d.CompleteTimeout
	}
	if o.SynthesizeTimeout <= 0 {
		o.SynthesizeTimeout = d.SynthesizeTimeout
	}
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = d.HistoryPageSize
	}
	return o
}

// Service is the session orchestrator. Cycles on different sessions run
// concurrently; cycles on one session are serialized by its lease.
type Service struct {
	store       ConversationStore
	locker      lease.Locker
	completer   model.Completer
	transcriber speech.Transcriber
	synthesizer speech.Synthesizer
	events      *EventBroadcaster
	opts        Options
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New creates a new Service
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       deps.Store,
		locker:      deps.Locker,
		completer:   deps.Completer,
		transcriber: deps.Transcriber,
		synthesizer: deps.Synthesizer,
		events:      deps.Events,
		opts:        opts.withDefaults(),
		logger:      logger.With("component", "conversation"),
		tracer:      otel.Tracer(tracerName),
	}
}

// Events returns the broadcaster stage events are published to (may be nil)
func (s *Service) Events() *EventBroadcaster {
	return s.events
}

// SubmitRequest is one inbound turn
type SubmitRequest struct {
	SessionID string
	// RequestID makes submission idempotent. Generated when empty.
	RequestID        string
	Modality         store.Modality
	Text             string
	Audio            []byte
	Format           string
	ResponseModality store.Modality
	VoiceProfile     string
}

// Result is the outcome of a delivered cycle
type Result struct {
	RequestID        string
	UserTurn         *store.Turn
	AssistantTurn    *store.Turn
	AssistantText    string
	Audio            []byte
	AudioFormat      string
	AudioID          string
	AudioUnavailable bool
	// Replayed is true when the cycle had already been delivered and nothing was re-run.
	Replayed bool
}

func (r *SubmitRequest) normalize() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return cycle.New(cycle.KindValidation, cycle.StageReceived, "session_id is required")
	}
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
	if r.Modality == "" {
		r.Modality = store.ModalityText
	}
	if r.ResponseModality == "" {
		r.ResponseModality = store.ModalityText
	}
	for _, m := range []store.Modality{r.Modality, r.ResponseModality} {
		if m != store.ModalityText && m != store.ModalityVoice {
			return cycle.Errorf(cycle.KindValidation, cycle.StageReceived, "unknown modality %q", m)
		}
	}
	if r.Modality == store.ModalityText && strings.TrimSpace(r.Text) == "" {
		return cycle.New(cycle.KindValidation, cycle.StageReceived, "text is required for text turns")
	}
	if r.Modality == store.ModalityVoice {
		r.Format = speech.NormalizeFormat(r.Format)
	}
	return nil
}

// Submit runs a full cycle for req and returns the delivered result.
// Failures are *cycle.Error values naming the failed stage and whether the
// user turn was recorded. A request_id that already delivered is replayed from
// the store; one whose user turn exists without a reply continues from completion.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*Result, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "conversation.submit", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("request.id", req.RequestID),
		attribute.String("modality", string(req.Modality)),
		attribute.String("response_modality", string(req.ResponseModality)),
	))
	defer span.End()

	start := time.Now()
	res, recorded, err := s.run(ctx, req)
	if err != nil {
		var ce *cycle.Error
		if !errors.As(err, &ce) {
			ce = cycle.Wrap(cycle.KindInternal, cycle.StageReceived, err)
		}
		ce.UserTurnRecorded = recorded

		span.RecordError(ce)
		span.SetStatus(codes.Error, string(ce.Kind))
		s.publish(&Event{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Stage:     cycle.StageFailed,
			Kind:      ce.Kind,
			Detail:    string(ce.Stage) + ": " + ce.Detail,
		})
		s.logger.Warn("cycle failed",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"stage", ce.Stage,
			"kind", ce.Kind,
			"user_turn_recorded", recorded,
			"error", ce.Detail,
		)
		return nil, ce
	}

	span.SetAttributes(attribute.Bool("replayed", res.Replayed), attribute.Bool("audio_unavailable", res.AudioUnavailable))
	s.publish(&Event{
		SessionID: req.SessionID,
		RequestID: req.RequestID,
		Stage:     cycle.StageDelivered,
		TurnSeq:   res.AssistantTurn.Seq,
	})
	s.logger.Info("cycle delivered",
		"session_id", req.SessionID,
		"request_id", req.RequestID,
		"user_seq", res.UserTurn.Seq,
		"assistant_seq", res.AssistantTurn.Seq,
		"replayed", res.Replayed,
		"audio_unavailable", res.AudioUnavailable,
		"duration", time.Since(start),
	)
	return res, nil
}

// run executes the state machine. recorded reports whether the user turn is durable.
func (s *Service) run(ctx context.Context, req *SubmitRequest) (res *Result, recorded bool, err error) {
	s.publish(&Event{SessionID: req.SessionID, RequestID: req.RequestID, Stage: cycle.StageReceived})

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, false, storeError(cycle.StageAppendingUser, err)
	}

	userTurn, assistantTurn, err := s.findPrior(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if err := s.checkSamePayload(ctx, req, userTurn); err != nil {
		return nil, false, err
	}
	if assistantTurn != nil {
		res, err := s.replay(ctx, req, userTurn, assistantTurn)
		return res, true, err
	}
	if sess.Status != store.SessionActive {
		return nil, userTurn != nil, cycle.New(cycle.KindSessionClosed, cycle.StageAppendingUser, "session is closed")
	}

	agent, err := s.store.GetAgent(ctx, sess.AgentID)
	if err != nil {
		return nil, userTurn != nil, cycle.Wrap(cycle.KindInternal, cycle.StageReceived, fmt.Errorf("loading agent: %w", err))
	}

	// Voice turns are transcribed before anything is persisted.
	var text string
	if userTurn == nil {
		if text, err = s.transcribe(ctx, req); err != nil {
			return nil, false, err
		}
	}

	handle, err := s.acquire(ctx, req)
	if err != nil {
		return nil, userTurn != nil, err
	}
	defer s.release(ctx, handle)

	// Re-check under the lease: a concurrent submission of the same request may have won.
	userTurn, assistantTurn, err = s.findPrior(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if err := s.checkSamePayload(ctx, req, userTurn); err != nil {
		return nil, false, err
	}
	if assistantTurn != nil {
		res, err := s.replay(ctx, req, userTurn, assistantTurn)
		return res, true, err
	}

	if userTurn == nil {
		if userTurn, err = s.appendUser(ctx, req, text); err != nil {
			return nil, false, err
		}
	} else if err := s.checkContinuable(ctx, userTurn); err != nil {
		return nil, true, err
	}

	// The user turn is durable; a caller disconnect must not abandon the cycle.
	ctx = context.WithoutCancel(ctx)

	reply, err := s.complete(ctx, req, agent, userTurn)
	if err != nil {
		return nil, true, err
	}

	if !handle.Held() {
		s.logger.Error("lease lost before reply was recorded", "session_id", req.SessionID, "request_id", req.RequestID, "owner", handle.Owner)
		return nil, true, cycle.New(cycle.KindSessionBusy, cycle.StageAppendingAssistant, "session lease lost before the reply was recorded")
	}

	assistantTurn, err = s.appendAssistant(ctx, req, reply)
	if err != nil {
		return nil, true, err
	}

	res = &Result{
		RequestID:     req.RequestID,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
		AssistantText: assistantTurn.Text,
	}
	if req.ResponseModality == store.ModalityVoice {
		s.synthesize(ctx, req, res)
	}
	return res, true, nil
}

// findPrior looks up turns already produced by req.RequestID.
func (s *Service) findPrior(ctx context.Context, req *SubmitRequest) (user, assistant *store.Turn, err error) {
	user, err = s.store.FindTurnByRequest(ctx, req.SessionID, req.RequestID, store.RoleUser)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, cycle.Wrap(cycle.KindInternal, cycle.StageReceived, err)
	}
	assistant, err = s.store.FindTurnByRequest(ctx, req.SessionID, req.RequestID, store.RoleAssistant)
	if errors.Is(err, store.ErrNotFound) {
		return user, nil, nil
	}
	if err != nil {
		return nil, nil, cycle.Wrap(cycle.KindInternal, cycle.StageReceived, err)
	}
	return user, assistant, nil
}

// checkSamePayload refuses a request_id that was already recorded for a different
// user turn. Voice payloads are compared by their stored audio.
func (s *Service) checkSamePayload(ctx context.Context, req *SubmitRequest, prior *store.Turn) error {
	if prior == nil {
		return nil
	}
	if prior.Modality != req.Modality {
		return cycle.Errorf(cycle.KindValidation, cycle.StageReceived,
			"request_id %s was already used for a %s turn", req.RequestID, prior.Modality)
	}
	if req.Modality == store.ModalityText {
		if strings.TrimSpace(prior.Text) != strings.TrimSpace(req.Text) {
			return cycle.Errorf(cycle.KindValidation, cycle.StageReceived,
				"request_id %s was already used with different text", req.RequestID)
		}
		return nil
	}
	if prior.AudioID == "" {
		return nil
	}
	artifact, err := s.store.GetAudio(ctx, prior.AudioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return cycle.Wrap(cycle.KindInternal, cycle.StageReceived, err)
	}
	if !bytes.Equal(artifact.Data, req.Audio) {
		return cycle.Errorf(cycle.KindValidation, cycle.StageReceived,
			"request_id %s was already used with different audio", req.RequestID)
	}
	return nil
}

// replay rebuilds the result of an already delivered cycle without calling any adapter.
func (s *Service) replay(ctx context.Context, req *SubmitRequest, user, assistant *store.Turn) (*Result, error) {
	res := &Result{
		RequestID:     req.RequestID,
		UserTurn:      user,
		AssistantTurn: assistant,
		AssistantText: assistant.Text,
		Replayed:      true,
	}
	if req.ResponseModality == store.ModalityVoice {
		artifact, err := s.store.FindAudioByTurn(ctx, assistant.ID)
		switch {
		case err == nil:
			res.Audio = artifact.Data
			res.AudioFormat = artifact.Format
			res.AudioID = artifact.ID
		case errors.Is(err, store.ErrNotFound):
			res.AudioUnavailable = true
		default:
			return nil, cycle.Wrap(cycle.KindInternal, cycle.StageSynthesizing, err)
		}
	}
	s.logger.Debug("replaying delivered cycle", "session_id", req.SessionID, "request_id", req.RequestID)
	return res, nil
}

// checkContinuable refuses to continue a cycle whose user turn is no longer the
// newest turn, since its reply would land after unrelated turns.
func (s *Service) checkContinuable(ctx context.Context, userTurn *store.Turn) error {
	later, err := s.store.ReadTurns(ctx, userTurn.SessionID, store.ReadOptions{AfterSeq: userTurn.Seq, Limit: 1})
	if err != nil {
		return cycle.Wrap(cycle.KindInternal, cycle.StageAppendingUser, err)
	}
	if len(later) > 0 {
		return cycle.Errorf(cycle.KindValidation, cycle.StageAppendingUser,
			"request %s was superseded by turn %d", userTurn.RequestID, later[0].Seq)
	}
	s.logger.Info("continuing interrupted cycle", "session_id", userTurn.SessionID, "request_id", userTurn.RequestID, "user_seq", userTurn.Seq)
	return nil
}

func (s *Service) transcribe(ctx context.Context, req *SubmitRequest) (string, error) {
	if req.Modality == store.ModalityText {
		return req.Text, nil
	}

	ctx, end := s.enter(ctx, req, cycle.StageTranscribing, 0)
	if s.transcriber == nil {
		err := cycle.New(cycle.KindTranscriptionFailed, cycle.StageTranscribing, "no transcriber configured")
		end(err)
		return "", err
	}

	tctx, cancel := context.WithTimeout(ctx, s.opts.TranscribeTimeout)
	defer cancel()
	text, err := s.transcriber.Transcribe(tctx, req.Audio, req.Format)
	if err != nil {
		ce := cycle.At(cycle.StageTranscribing, err)
		end(ce)
		return "", ce
	}
	end(nil)
	return text, nil
}

func (s *Service) acquire(ctx context.Context, req *SubmitRequest) (*lease.Handle, error) {
	handle, err := s.locker.Acquire(ctx, req.SessionID)
	switch {
	case err == nil:
		return handle, nil
	case errors.Is(err, lease.ErrBusy):
		return nil, cycle.New(cycle.KindSessionBusy, cycle.StageAppendingUser, "another turn is in flight for this session")
	default:
		return nil, storeError(cycle.StageAppendingUser, err)
	}
}

func (s *Service) release(ctx context.Context, handle *lease.Handle) {
	// Detached so a canceled caller still frees the session.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := handle.Release(rctx); err != nil {
		s.logger.Error("failed to release session lease", "session_id", handle.SessionID, "error", err)
	}
}

func (s *Service) appendUser(ctx context.Context, req *SubmitRequest, text string) (*store.Turn, error) {
	ctx, end := s.enter(ctx, req, cycle.StageAppendingUser, 0)

	payload := &store.TurnPayload{
		Role:      store.RoleUser,
		Modality:  req.Modality,
		Text:      text,
		RequestID: req.RequestID,
	}
	if req.Modality == store.ModalityVoice {
		artifact := &store.AudioArtifact{SessionID: req.SessionID, Format: req.Format, Data: req.Audio}
		if err := s.store.SaveAudio(ctx, artifact); err != nil {
			ce := storeError(cycle.StageAppendingUser, err)
			end(ce)
			return nil, ce
		}
		payload.AudioID = artifact.ID
	}

	turn, err := s.store.AppendTurn(ctx, req.SessionID, payload)
	if err != nil {
		ce := storeError(cycle.StageAppendingUser, err)
		end(ce)
		return nil, ce
	}
	end(nil)

	s.logger.Debug("user turn recorded", "session_id", req.SessionID, "seq", turn.Seq, "request_id", req.RequestID)
	return turn, nil
}

// history returns every turn up to and including upTo as model context.
func (s *Service) history(ctx context.Context, sessionID string, upTo int64) ([]model.Message, error) {
	var messages []model.Message
	for turn, err := range store.Turns(ctx, s.store, sessionID, upTo, s.opts.HistoryPageSize) {
		if err != nil {
			return nil, err
		}
		role := model.RoleUser
		if turn.Role == store.RoleAssistant {
			role = model.RoleAssistant
		}
		messages = append(messages, model.Message{Role: role, Content: turn.Text})
	}
	return messages, nil
}

func (s *Service) complete(ctx context.Context, req *SubmitRequest, agent *store.Agent, userTurn *store.Turn) (string, error) {
	ctx, end := s.enter(ctx, req, cycle.StageCompleting, userTurn.Seq)

	messages, err := s.history(ctx, req.SessionID, userTurn.Seq)
	if err != nil {
		ce := cycle.Wrap(cycle.KindInternal, cycle.StageCompleting, fmt.Errorf("reading history: %w", err))
		end(ce)
		return "", ce
	}

	completer := model.ForAgent(s.completer, agent.Model)

	var (
		reply    string
		lastErr  *cycle.Error
		attempts int
	)
	op := func() error {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, s.opts.CompleteTimeout)
		defer cancel()

		text, err := completer.Complete(cctx, messages, agent.Instructions)
		if err != nil {
			lastErr = cycle.At(cycle.StageCompleting, err)
			if !cycle.Transient(lastErr) {
				return backoff.Permanent(lastErr)
			}
			return lastErr
		}
		reply = text
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxRetryAttempts-1)), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.logger.Warn("completion attempt failed, retrying",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	})
	if err != nil {
		if lastErr == nil {
			lastErr = cycle.At(cycle.StageCompleting, err)
		}
		lastErr.Detail = fmt.Sprintf("%s (after %d attempt(s))", lastErr.Detail, attempts)
		end(lastErr)
		return "", lastErr
	}
	end(nil)
	return reply, nil
}

func (s *Service) appendAssistant(ctx context.Context, req *SubmitRequest, reply string) (*store.Turn, error) {
	ctx, end := s.enter(ctx, req, cycle.StageAppendingAssistant, 0)

	turn, err := s.store.AppendTurn(ctx, req.SessionID, &store.TurnPayload{
		Role:      store.RoleAssistant,
		Modality:  req.ResponseModality,
		Text:      reply,
		RequestID: req.RequestID,
	})
	if err != nil {
		ce := storeError(cycle.StageAppendingAssistant, err)
		end(ce)
		return nil, ce
	}
	end(nil)
	return turn, nil
}

// synthesize fills the audio fields of res. Failure marks the audio unavailable
// and never fails the cycle.
func (s *Service) synthesize(ctx context.Context, req *SubmitRequest, res *Result) {
	ctx, end := s.enter(ctx, req, cycle.StageSynthesizing, res.AssistantTurn.Seq)

	if s.synthesizer == nil {
		res.AudioUnavailable = true
		end(cycle.New(cycle.KindSynthesisFailed, cycle.StageSynthesizing, "no synthesizer configured"))
		return
	}

	voice := req.VoiceProfile
	if voice == "" {
		voice = s.opts.VoiceProfile
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.SynthesizeTimeout)
	defer cancel()
	audio, err := s.synthesizer.Synthesize(sctx, res.AssistantText, voice)
	if err != nil {
		ce := cycle.At(cycle.StageSynthesizing, err)
		res.AudioUnavailable = true
		end(ce)
		s.publish(&Event{
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Stage:     cycle.StageSynthesizing,
			Kind:      ce.Kind,
			Detail:    ce.Detail,
			TurnSeq:   res.AssistantTurn.Seq,
		})
		s.logger.Warn("synthesis failed, delivering text only",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"kind", ce.Kind,
			"error", ce.Detail,
		)
		return
	}
	end(nil)

	res.Audio = audio
	res.AudioFormat = s.synthesizer.Format()

	artifact := &store.AudioArtifact{
		SessionID: req.SessionID,
		TurnID:    res.AssistantTurn.ID,
		Format:    res.AudioFormat,
		Data:      audio,
	}
	if err := s.store.SaveAudio(ctx, artifact); err != nil {
		s.logger.Warn("failed to store synthesized audio", "session_id", req.SessionID, "error", err)
		return
	}
	res.AudioID = artifact.ID
}

// enter publishes a stage event and opens its span. The returned func ends the span.
func (s *Service) enter(ctx context.Context, req *SubmitRequest, stage cycle.Stage, seq int64) (context.Context, func(error)) {
	s.publish(&Event{SessionID: req.SessionID, RequestID: req.RequestID, Stage: stage, TurnSeq: seq})

	ctx, span := s.tracer.Start(ctx, "cycle."+string(stage))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(cycle.KindOf(err)))
		}
		span.End()
	}
}

func (s *Service) publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.events.Publish(event)
}

// storeError maps store sentinels onto cycle kinds.
func storeError(stage cycle.Stage, err error) *cycle.Error {
	switch {
	case errors.Is(err, store.ErrSessionClosed):
		return cycle.Wrap(cycle.KindSessionClosed, stage, err)
	case errors.Is(err, store.ErrNotFound):
		return cycle.Wrap(cycle.KindSessionNotFound, stage, err)
	case errors.Is(err, store.ErrInvalidTurn):
		return cycle.Wrap(cycle.KindValidation, stage, err)
	default:
		return cycle.Wrap(cycle.KindInternal, stage, err)
	}
}
