package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       Outcome
		classified bool
	}{
		{"nil", nil, OutcomeSuccess, true},
		{"transient", Transient("a", "busy", nil), OutcomeTransient, true},
		{"permanent", Permanent("a", "gone", nil), OutcomePermanent, true},
		{"wrapped permanent", fmt.Errorf("call: %w", Permanent("a", "gone", nil)), OutcomePermanent, true},
		{"deadline", context.DeadlineExceeded, OutcomeTransient, true},
		{"unknown", errors.New("boom"), OutcomeTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, classified := Classify(tt.err)
			if got != tt.want || classified != tt.classified {
				t.Fatalf("Classify(%v) = (%s, %v), want (%s, %v)", tt.err, got, classified, tt.want, tt.classified)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	transient := []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusInternalServerError}
	for _, code := range transient {
		if StatusError("x", code, "").Kind != KindTransient {
			t.Fatalf("status %d should be transient", code)
		}
	}
	permanent := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}
	for _, code := range permanent {
		if StatusError("x", code, "").Kind != KindPermanent {
			t.Fatalf("status %d should be permanent", code)
		}
	}
}

func TestExhaustionErrorMatchesSentinel(t *testing.T) {
	last := Transient("c", "overloaded", nil)
	err := fmt.Errorf("dispatch: %w", &ExhaustionError{Last: last})
	if !errors.Is(err, ErrBackendsExhausted) {
		t.Fatal("expected errors.Is to match ErrBackendsExhausted")
	}
	var be *BackendError
	if !errors.As(err, &be) || be.Backend != "c" {
		t.Fatalf("expected last backend error to be reachable, got %v", be)
	}
}
