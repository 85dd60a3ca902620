package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credflow/pkg/schema"
)

// manualRegistry returns a registry whose clock only moves when the test
// advances it.
func manualRegistry(cfg CircuitBreakerConfig) (*CircuitBreakerRegistry, func(time.Duration)) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewCircuitBreakerRegistry(cfg)
	r.now = func() time.Time { return now }
	return r, func(d time.Duration) { now = now.Add(d) }
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	type op struct {
		do      string // fail | ok | allow | wait
		wait    time.Duration
		wantErr bool
		want    CircuitState
	}
	cfg := CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1}

	tests := []struct {
		name string
		ops  []op
	}{
		{"stays closed below threshold", []op{
			{do: "fail", want: CircuitClosed},
			{do: "allow", want: CircuitClosed},
		}},
		{"opens at threshold and rejects", []op{
			{do: "fail", want: CircuitClosed},
			{do: "fail", want: CircuitOpen},
			{do: "allow", wantErr: true, want: CircuitOpen},
		}},
		{"success resets the count", []op{
			{do: "fail", want: CircuitClosed},
			{do: "ok", want: CircuitClosed},
			{do: "fail", want: CircuitClosed},
		}},
		{"one probe after cooldown then closes", []op{
			{do: "fail"}, {do: "fail", want: CircuitOpen},
			{do: "wait", wait: time.Minute, want: CircuitHalfOpen},
			{do: "allow", want: CircuitHalfOpen},
			{do: "allow", wantErr: true, want: CircuitHalfOpen},
			{do: "ok", want: CircuitClosed},
			{do: "allow", want: CircuitClosed},
		}},
		{"probe failure reopens", []op{
			{do: "fail"}, {do: "fail", want: CircuitOpen},
			{do: "wait", wait: 2 * time.Minute, want: CircuitHalfOpen},
			{do: "allow", want: CircuitHalfOpen},
			{do: "fail", want: CircuitOpen},
			{do: "allow", wantErr: true, want: CircuitOpen},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, advance := manualRegistry(cfg)
			for i, o := range tt.ops {
				switch o.do {
				case "fail":
					r.Failure(schema.WaitSignature)
				case "ok":
					r.Success(schema.WaitSignature)
				case "wait":
					advance(o.wait)
				case "allow":
					err := r.Allow(schema.WaitSignature)
					if o.wantErr {
						require.Error(t, err, "op %d", i)
						assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
					} else {
						require.NoError(t, err, "op %d", i)
					}
				}
				assert.Equal(t, o.want, r.State(schema.WaitSignature), "op %d (%s)", i, o.do)
			}
		})
	}
}

func TestCircuitBreaker_OpenErrorIsRetryable(t *testing.T) {
	r, _ := manualRegistry(CircuitBreakerConfig{FailureThreshold: 1})
	assert.Equal(t, CircuitOpen, r.Failure(schema.WaitApproval))

	var fe *schema.FlowError
	require.ErrorAs(t, r.Allow(schema.WaitApproval), &fe)
	assert.True(t, fe.IsRetryable())
	assert.Equal(t, "approval", fe.Details["kind"])
}

func TestCircuitBreaker_KindsAreIsolated(t *testing.T) {
	r, _ := manualRegistry(CircuitBreakerConfig{FailureThreshold: 1})
	r.Failure(schema.WaitSignature)

	assert.Equal(t, CircuitOpen, r.State(schema.WaitSignature))
	assert.Equal(t, CircuitClosed, r.State(schema.WaitApproval))
	assert.NoError(t, r.Allow(schema.WaitApproval))
}

func TestCircuitBreaker_SuccessAfterFailuresIsReusable(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 3})
	r.Failure(schema.WaitApproval)
	r.Success(schema.WaitApproval)
	r.Success(schema.WaitApproval)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Allow(schema.WaitApproval)
			r.Success(schema.WaitApproval)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Snapshot(schema.WaitApproval).Failures)
	assert.Equal(t, CircuitClosed, r.Failure(schema.WaitApproval))
}

func TestCircuitBreaker_Snapshot(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{Cooldown: time.Minute})
	r.Failure(schema.WaitApproval)
	r.Failure(schema.WaitApproval)

	assert.Equal(t, BreakerSnapshot{
		Kind:             schema.WaitApproval,
		State:            "closed",
		Failures:         2,
		FailureThreshold: 5,
		Cooldown:         "1m0s",
	}, r.Snapshot(schema.WaitApproval))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
	assert.Equal(t, "unknown", CircuitState(-1).String())
}
