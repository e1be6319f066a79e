package scoring_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CookPiu/Bot/internal/domain"
	"github.com/CookPiu/Bot/internal/scoring"
)

// ── mocks ──────────────────────────────────────────────────────────────────────

type tempErr struct{ msg string }

func (e *tempErr) Error() string   { return e.msg }
func (e *tempErr) Temporary() bool { return true }

type scriptedProvider struct {
	results []scoring.Raw
	errs    []error
	delay   time.Duration
	calls   atomic.Int32
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Score(ctx context.Context, _ scoring.Submission) (scoring.Raw, error) {
	i := int(p.calls.Add(1)) - 1
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return scoring.Raw{}, ctx.Err()
		}
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return scoring.Raw{}, p.errs[i]
	}
	if i < len(p.results) {
		return p.results[i], nil
	}
	return scoring.Raw{Score: 50}, nil
}

func fastConfig() scoring.Config {
	return scoring.Config{Timeout: 50 * time.Millisecond, MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func generalTask() *domain.Task {
	return &domain.Task{ID: "TASK1", Kind: domain.KindGeneral, Status: domain.StatusReviewing, SubmissionRef: "https://docs/1"}
}

// ── tests ──────────────────────────────────────────────────────────────────────

func TestEvaluate_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.Verdict
	}{
		{79.99, domain.VerdictFail},
		{80, domain.VerdictPass},
		{100, domain.VerdictPass},
		{0, domain.VerdictFail},
	}
	for _, tt := range tests {
		p := &scriptedProvider{results: []scoring.Raw{{Score: tt.score}}}
		res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{Source: domain.SourceCI})
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Verdict, "score %v", tt.score)
	}
}

func TestEvaluate_TaskThresholdOverride(t *testing.T) {
	task := generalTask()
	th := 60.0
	task.PassThreshold = &th
	p := &scriptedProvider{results: []scoring.Raw{{Score: 65}}}

	res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), task, domain.EvaluationEvent{})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
}

func TestEvaluate_PlatformThreshold(t *testing.T) {
	zero, strict := 0.0, 90.0
	tests := []struct {
		name      string
		threshold *float64
		score     float64
		want      domain.Verdict
	}{
		{"unset uses default", nil, 79, domain.VerdictFail},
		{"zero passes anything", &zero, 0, domain.VerdictPass},
		{"strict", &strict, 85, domain.VerdictFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			cfg.PassThreshold = tt.threshold
			p := &scriptedProvider{results: []scoring.Raw{{Score: tt.score}}}
			res, err := scoring.NewEvaluator(p, cfg).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Verdict)
		})
	}
}

func TestEvaluate_ScoresAreClamped(t *testing.T) {
	p := &scriptedProvider{results: []scoring.Raw{{Score: 140}}}
	res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.Score)

	assert.Equal(t, 0.0, scoring.Clamp(-5))
}

func TestEvaluate_ExplicitScoreSkipsProvider(t *testing.T) {
	p := &scriptedProvider{}
	score := 92.0
	res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(),
		domain.EvaluationEvent{Source: domain.SourceManual, Score: &score, Rationale: "looks good"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
	assert.Equal(t, []string{"looks good"}, res.Rationale)
	assert.Equal(t, "manual", res.Provider)
	assert.Zero(t, p.calls.Load())
}

func TestEvaluate_CIFailureFailsWithoutProvider(t *testing.T) {
	for _, c := range []domain.Conclusion{domain.ConclusionFailure, domain.ConclusionTimedOut} {
		p := &scriptedProvider{}
		res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{Conclusion: c})
		require.NoError(t, err)
		assert.Equal(t, domain.VerdictFail, res.Verdict)
		assert.Equal(t, 0.0, res.Score)
		assert.Zero(t, p.calls.Load())
	}
}

func TestEvaluate_CISuccessPassesCodeTask(t *testing.T) {
	task := generalTask()
	task.Kind = domain.KindCode
	p := &scriptedProvider{}
	res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), task, domain.EvaluationEvent{Conclusion: domain.ConclusionSuccess})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
	assert.Equal(t, 100.0, res.Score)
	assert.Zero(t, p.calls.Load())
}

func TestEvaluate_CISuccessOnGeneralTaskAsksProvider(t *testing.T) {
	p := &scriptedProvider{results: []scoring.Raw{{Score: 70, Rationale: []string{"thin"}}}}
	res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{Conclusion: domain.ConclusionSuccess})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFail, res.Verdict)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestEvaluate_CancelledIsUnavailable(t *testing.T) {
	p := &scriptedProvider{}
	_, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{Conclusion: domain.ConclusionCancelled})
	var unavailable *domain.ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Zero(t, p.calls.Load())
}

func TestEvaluate_RetriesTransientThenSucceeds(t *testing.T) {
	p := &scriptedProvider{
		errs:    []error{&tempErr{"503"}, &tempErr{"429"}},
		results: []scoring.Raw{{}, {}, {Score: 85}},
	}
	res, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, res.Verdict)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestEvaluate_ExhaustedRetriesAreUnavailable(t *testing.T) {
	p := &scriptedProvider{errs: []error{&tempErr{"a"}, &tempErr{"b"}, &tempErr{"c"}}}
	_, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{})

	var unavailable *domain.ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable), "got %v", err)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestEvaluate_NonTransientErrorIsNotRetried(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("parse review reply: bad json")}}
	_, err := scoring.NewEvaluator(p, fastConfig()).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{})

	var unavailable *domain.ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 1, unavailable.Attempts)
}

func TestEvaluate_TimeoutIsUnavailableNotFail(t *testing.T) {
	p := &scriptedProvider{delay: time.Second}
	cfg := fastConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2

	start := time.Now()
	res, err := scoring.NewEvaluator(p, cfg).Evaluate(context.Background(), generalTask(), domain.EvaluationEvent{})

	var unavailable *domain.ProviderUnavailableError
	require.True(t, errors.As(err, &unavailable), "timeout must surface as unavailable, got %v", err)
	assert.Empty(t, res.Verdict)
	assert.Equal(t, int32(2), p.calls.Load(), "timeouts are transient")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRuleProvider(t *testing.T) {
	ctx := context.Background()
	var rule scoring.RuleProvider

	raw, err := rule.Score(ctx, scoring.Submission{CIConclusion: domain.ConclusionSuccess})
	require.NoError(t, err)
	assert.Equal(t, 100.0, raw.Score)

	raw, err = rule.Score(ctx, scoring.Submission{CIConclusion: domain.ConclusionFailure})
	require.NoError(t, err)
	assert.Equal(t, 0.0, raw.Score)

	_, err = rule.Score(ctx, scoring.Submission{CIConclusion: domain.ConclusionNeutral})
	assert.ErrorIs(t, err, scoring.ErrNoSignal)
}
