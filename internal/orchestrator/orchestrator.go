// Package orchestrator runs one pitch refinement end to end: it reads the
// transcript, settles on an instruction, consults refinement memory, drives a
// backend session, and decides whether the result replaces the transcript.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/valpere/pitchrefine/internal/backend"
	"github.com/valpere/pitchrefine/internal/inference"
	"github.com/valpere/pitchrefine/internal/logging"
	"github.com/valpere/pitchrefine/internal/postprocess"
	"github.com/valpere/pitchrefine/internal/session"
	"github.com/valpere/pitchrefine/internal/store"
)

// ErrEmptyCompletion is the fallback reason when the backend answered with
// nothing usable.
var ErrEmptyCompletion = errors.New("backend returned an empty refinement")

// Memory remembers accepted refinements and records every run.
type Memory interface {
	Lookup(ctx context.Context, key store.Key) (string, bool, error)
	Remember(ctx context.Context, key store.Key, refined string) error
	RecordRun(ctx context.Context, run store.Run) (string, error)
}

// LanguageGuard rejects a refinement written in another language than its
// source.
type LanguageGuard interface {
	SameLanguage(source, refined string) error
}

// Handle is an open backend session.
type Handle interface {
	ID() string
	Client() inference.Client
	Close() error
}

// Opener starts a session for cfg.
type Opener func(ctx context.Context, cfg backend.Config, opts ...session.Option) (Handle, error)

func openSession(ctx context.Context, cfg backend.Config, opts ...session.Option) (Handle, error) {
	s, err := session.Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Outcome is the result of Refine. When Refined is false, Text is the
// original transcript and FallbackReason says why.
type Outcome struct {
	Original       string
	Text           string
	Instruction    string
	Refined        bool
	FallbackReason error
	FromMemory     bool
	SessionID      string
	RunID          string
	Latency        time.Duration
}

type Orchestrator struct {
	cfg         backend.Config
	selector    Selector
	memory      Memory
	guard       LanguageGuard
	logger      *slog.Logger
	strict      bool
	maxTokens   int
	temperature *float64
	sessionOpts []session.Option
	open        Opener
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSelector sets how an instruction is chosen when Refine gets none.
func WithSelector(s Selector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithMemory enables the refinement cache and run history.
func WithMemory(m Memory) Option {
	return func(o *Orchestrator) { o.memory = m }
}

// WithValidator enables the language drift guard.
func WithValidator(g LanguageGuard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrDiscard(logger) }
}

// WithStrict makes request failures errors instead of fallbacks.
func WithStrict(strict bool) Option {
	return func(o *Orchestrator) { o.strict = strict }
}

func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = inference.Float(t) }
}

// WithSessionOptions passes options to every session the orchestrator opens.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *Orchestrator) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithOpener replaces how sessions are opened.
func WithOpener(open Opener) Option {
	return func(o *Orchestrator) {
		if open != nil {
			o.open = open
		}
	}
}

func New(cfg backend.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		logger: logging.Discard(),
		open:   openSession,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Refine rewrites the transcript in transcriptJSON according to instruction.
// An empty instruction is resolved through the selector.
//
// Configuration, spawn and readiness failures are returned as errors. A
// request that fails, comes back empty, or drifts to another language yields
// an Outcome carrying the original transcript, unless strict mode is on, in
// which case request failures are returned.
func (o *Orchestrator) Refine(ctx context.Context, transcriptJSON []byte, instruction string) (*Outcome, error) {
	source, err := ExtractTranscript(transcriptJSON)
	if err != nil {
		return nil, err
	}
	return o.RefineText(ctx, source, instruction)
}

// RefineText is Refine for an already extracted transcript.
func (o *Orchestrator) RefineText(ctx context.Context, source, instruction string) (*Outcome, error) {
	if err := o.checkSource(source); err != nil {
		return nil, err
	}

	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		if o.selector == nil {
			return nil, ErrNoInstruction
		}
		selected, err := o.selector.Select(ctx)
		if err != nil {
			return nil, err
		}
		instruction = strings.TrimSpace(selected)
	}

	sess := &lazySession{o: o}
	defer sess.close()
	return o.refineWith(ctx, sess, source, instruction)
}

// RefineEach asks the selector for instructions until it aborts and refines
// the transcript once per instruction, handing every Outcome to each. All
// requests share one backend session, so a local server is started at most
// once. An abort from the selector ends the loop without error; an error from
// each ends it with that error.
func (o *Orchestrator) RefineEach(ctx context.Context, transcriptJSON []byte, each func(*Outcome) error) error {
	source, err := ExtractTranscript(transcriptJSON)
	if err != nil {
		return err
	}
	if err := o.checkSource(source); err != nil {
		return err
	}
	if o.selector == nil {
		return ErrNoInstruction
	}

	sess := &lazySession{o: o}
	defer sess.close()

	for {
		selected, err := o.selector.Select(ctx)
		if errors.Is(err, ErrAborted) {
			return nil
		}
		if err != nil {
			return err
		}
		instruction := strings.TrimSpace(selected)
		if instruction == "" {
			continue
		}

		out, err := o.refineWith(ctx, sess, source, instruction)
		if err != nil {
			return err
		}
		if err := each(out); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) checkSource(source string) error {
	if err := o.cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return &TranscriptExtractionError{Reason: "transcript is empty"}
	}
	return nil
}

// lazySession opens the backend on first use and keeps it for later requests.
type lazySession struct {
	o      *Orchestrator
	handle Handle
}

func (l *lazySession) get(ctx context.Context) (Handle, error) {
	if l.handle != nil {
		return l.handle, nil
	}
	h, err := l.o.open(ctx, l.o.cfg, l.o.sessionOpts...)
	if err != nil {
		return nil, err
	}
	l.handle = h
	return h, nil
}

func (l *lazySession) close() {
	if l.handle == nil {
		return
	}
	if err := l.handle.Close(); err != nil {
		l.o.logger.Warn("session close failed", "session_id", l.handle.ID(), "error", err)
	}
	l.handle = nil
}

// refineWith runs one instruction. The memory is consulted before the session
// is touched, so a hit never starts a backend.
func (o *Orchestrator) refineWith(ctx context.Context, sess *lazySession, source, instruction string) (*Outcome, error) {
	req, err := inference.Request{
		SourceText:  source,
		Instruction: WithLengthSuffix(instruction),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}.Normalize()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out := &Outcome{Original: source, Text: source, Instruction: instruction}
	key := o.memoryKey(source, req.Instruction)

	if o.memory != nil {
		cached, found, err := o.memory.Lookup(ctx, key)
		if err != nil {
			o.logger.Warn("refinement memory lookup failed", "error", err)
		} else if found {
			o.logger.Info("refinement served from memory")
			out.Text, out.Refined, out.FromMemory = cached, true, true
			out.Latency = time.Since(start)
			o.record(ctx, out, key)
			return out, nil
		}
	}

	handle, err := sess.get(ctx)
	if err != nil {
		return nil, err
	}
	out.SessionID = handle.ID()

	result, err := handle.Client().ModifyText(ctx, req)
	out.Latency = time.Since(start)
	if err != nil {
		if !o.fallbackAllowed(ctx, err) {
			return nil, err
		}
		o.fallback(ctx, out, key, err)
		return out, nil
	}

	text := postprocess.Clean(result.Text)
	if text == "" {
		o.fallback(ctx, out, key, ErrEmptyCompletion)
		return out, nil
	}
	if o.guard != nil {
		if err := o.guard.SameLanguage(source, text); err != nil {
			o.fallback(ctx, out, key, err)
			return out, nil
		}
	}

	out.Text, out.Refined = text, true
	o.logger.Info("pitch refined",
		"session_id", out.SessionID,
		"backend", result.Backend,
		"latency", out.Latency,
	)
	if o.memory != nil {
		if err := o.memory.Remember(ctx, key, text); err != nil {
			o.logger.Warn("refinement memory save failed", "error", err)
		}
	}
	o.record(ctx, out, key)
	return out, nil
}

// fallbackAllowed reports whether a request error degrades to the original
// transcript. Caller cancellation never does.
func (o *Orchestrator) fallbackAllowed(ctx context.Context, err error) bool {
	if o.strict || ctx.Err() != nil {
		return false
	}
	var transportErr *backend.TransportError
	var statusErr *backend.StatusError
	return errors.As(err, &transportErr) || errors.As(err, &statusErr)
}

func (o *Orchestrator) fallback(ctx context.Context, out *Outcome, key store.Key, reason error) {
	out.Text, out.Refined, out.FallbackReason = out.Original, false, reason
	o.logger.Warn("keeping original transcript", "session_id", out.SessionID, "reason", reason)
	o.record(ctx, out, key)
}

func (o *Orchestrator) record(ctx context.Context, out *Outcome, key store.Key) {
	if o.memory == nil {
		return
	}
	run := store.Run{
		SessionID:   out.SessionID,
		Backend:     key.Backend,
		Model:       key.Model,
		Instruction: key.Instruction,
		SourceText:  out.Original,
		ResultText:  out.Text,
		Refined:     out.Refined,
		FromMemory:  out.FromMemory,
		Latency:     out.Latency,
	}
	if out.FallbackReason != nil {
		run.FallbackReason = out.FallbackReason.Error()
	}
	id, err := o.memory.RecordRun(ctx, run)
	if err != nil {
		o.logger.Warn("recording refinement history failed", "error", err)
		return
	}
	out.RunID = id
}

func (o *Orchestrator) memoryKey(source, instruction string) store.Key {
	key := store.Key{SourceText: source, Instruction: instruction}
	switch o.cfg.Kind {
	case backend.KindLocal:
		key.Backend, key.Model = "llama.cpp", o.cfg.ModelPath
	case backend.KindRemote:
		key.Backend, key.Model = "remote", o.cfg.Model
	}
	return key
}
