// Package pipeline drives the asynchronous steps between intake and a
// reviewable suggestion: transcription plus entity extraction, then
// candidate generation with retries. The state machine stays the single
// writer; this package only decides when to call which adapter and
// which transition to request.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinqo/clinqo/internal/domain/encounter"
	"github.com/clinqo/clinqo/internal/domain/feedback"
	"github.com/clinqo/clinqo/internal/platform/telemetry"
)

// Extractor produces the structured clinical context for an intake.
type Extractor interface {
	Extract(ctx context.Context, intakeText string, audio []byte) (encounter.ClinicalContext, error)
}

// Suggester produces one prescription candidate per call. Retry and
// deadline policy belong to the orchestrator, not the implementation.
type Suggester interface {
	Suggest(ctx context.Context, cctx encounter.ClinicalContext, profile *feedback.Profile) (*encounter.Candidate, error)
}

// ProfileSource supplies the prescribing profile used to bias
// suggestions.
type ProfileSource interface {
	ProfileFor(ctx context.Context, doctorRef string) (*feedback.Profile, error)
}

// Config bounds the suggestion step.
type Config struct {
	SuggestionTimeout time.Duration // per-attempt deadline
	MaxAttempts       int
	Backoff           time.Duration // base for exponential backoff between attempts
}

func (c *Config) applyDefaults() {
	if c.SuggestionTimeout <= 0 {
		c.SuggestionTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
}

// Orchestrator advances encounters through the pipeline. Work runs on
// background goroutines detached from the triggering request; at most
// one step is in flight per encounter.
type Orchestrator struct {
	enc       *encounter.Service
	profiles  ProfileSource
	extractor Extractor
	suggester Suggester
	cfg       Config
	metrics   *telemetry.Metrics
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

func New(enc *encounter.Service, profiles ProfileSource, extractor Extractor, suggester Suggester, cfg Config, metrics *telemetry.Metrics, log zerolog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		enc:       enc,
		profiles:  profiles,
		extractor: extractor,
		suggester: suggester,
		cfg:       cfg,
		metrics:   metrics,
		log:       log.With().Str("component", "pipeline").Logger(),
		inflight:  make(map[uuid.UUID]struct{}),
	}
}

// Advance starts the pipeline step matching the encounter's current
// status. A step already running for the encounter, or a status with no
// pipeline work, makes this a no-op. The in-flight slot is claimed
// before the status read so a step committing concurrently cannot leave
// this call acting on a stale status.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID) error {
	if !o.begin(id) {
		return nil
	}
	enc, err := o.enc.Get(ctx, id)
	if err != nil {
		o.end(id)
		return err
	}
	switch enc.Status {
	case encounter.StatusExtracting, encounter.StatusAwaitingSuggestion:
		o.wg.Add(1)
		go o.run(enc)
	default:
		o.end(id)
	}
	return nil
}

// Wait blocks until all in-flight steps finish. Shutdown only.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) begin(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.inflight[id]; running {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) end(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}

// run executes the step chain for one encounter. It deliberately uses a
// background context: the pipeline outlives the HTTP request that
// triggered it.
func (o *Orchestrator) run(enc *encounter.Encounter) {
	defer o.wg.Done()
	defer o.end(enc.ID)
	ctx := context.Background()

	if enc.Status == encounter.StatusExtracting {
		updated, ok := o.runExtraction(ctx, enc)
		if !ok {
			return
		}
		enc = updated
	}
	if enc.Status == encounter.StatusAwaitingSuggestion {
		o.runSuggestion(ctx, enc)
	}
}

func (o *Orchestrator) runExtraction(ctx context.Context, enc *encounter.Encounter) (*encounter.Encounter, bool) {
	o.metrics.Inc(telemetry.MetricExtractionRuns)

	cctx, err := o.extractor.Extract(ctx, enc.IntakeText, enc.IntakeAudio)
	if err != nil {
		o.metrics.Inc(telemetry.MetricExtractionFailures)
		o.log.Error().Err(err).
			Str("encounter_id", enc.ID.String()).
			Msg("extraction failed")
		if _, ferr := o.enc.Fail(ctx, enc.ID, encounter.ReasonExtractionFailed); ferr != nil {
			o.log.Error().Err(ferr).Str("encounter_id", enc.ID.String()).Msg("mark extraction failure")
		}
		return nil, false
	}

	updated, err := o.enc.ExtractionComplete(ctx, enc.ID, cctx)
	if err != nil {
		// Lost a race with another transition; the winner owns the
		// encounter now.
		o.log.Warn().Err(err).
			Str("encounter_id", enc.ID.String()).
			Msg("extraction result discarded")
		return nil, false
	}
	return updated, true
}

func (o *Orchestrator) runSuggestion(ctx context.Context, enc *encounter.Encounter) {
	if enc.Context == nil {
		o.log.Error().Str("encounter_id", enc.ID.String()).Msg("suggestion requested without clinical context")
		return
	}

	profile := o.loadProfile(ctx, enc)

	// One request id per cycle: retries reuse it so the downstream
	// service can deduplicate.
	requestID := uuid.New()

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		o.metrics.Inc(telemetry.MetricSuggestionAttempts)

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.SuggestionTimeout)
		started := time.Now()
		cand, err := o.suggester.Suggest(attemptCtx, *enc.Context, profile)
		o.metrics.Observe(telemetry.MetricSuggestionLatency, time.Since(started).Seconds())
		cancel()

		if err == nil {
			cand.RequestID = requestID
			if _, serr := o.enc.SuggestionComplete(ctx, enc.ID, *cand); serr != nil {
				o.log.Warn().Err(serr).
					Str("encounter_id", enc.ID.String()).
					Msg("suggestion result discarded")
				return
			}
			o.metrics.Inc(telemetry.MetricSuggestionsCompleted)
			o.log.Info().
				Str("encounter_id", enc.ID.String()).
				Str("request_id", requestID.String()).
				Int("attempt", attempt).
				Float64("confidence", cand.Confidence).
				Msg("suggestion ready")
			return
		}

		o.log.Warn().Err(err).
			Str("encounter_id", enc.ID.String()).
			Str("request_id", requestID.String()).
			Int("attempt", attempt).
			Msg("suggestion attempt failed")

		if attempt < o.cfg.MaxAttempts {
			o.metrics.Inc(telemetry.MetricSuggestionRetries)
			time.Sleep(o.cfg.Backoff << (attempt - 1))
		}
	}

	o.metrics.Inc(telemetry.MetricSuggestionExhausted)
	if _, err := o.enc.Fail(ctx, enc.ID, encounter.ReasonSuggestionExhausted); err != nil {
		o.log.Error().Err(err).Str("encounter_id", enc.ID.String()).Msg("mark suggestion exhaustion")
	}
}

func (o *Orchestrator) loadProfile(ctx context.Context, enc *encounter.Encounter) *feedback.Profile {
	if o.profiles == nil {
		return nil
	}
	doctorRef := feedback.GlobalRef
	if enc.DoctorRef != nil {
		doctorRef = *enc.DoctorRef
	}
	profile, err := o.profiles.ProfileFor(ctx, doctorRef)
	if err != nil {
		// Profiles only bias suggestions; proceed without one.
		o.log.Warn().Err(err).
			Str("encounter_id", enc.ID.String()).
			Str("doctor_ref", doctorRef).
			Msg("load prescribing profile")
		return nil
	}
	return profile
}
