package retry

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"crm_server/core/port/out"
)

func testPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     8 * time.Millisecond,
		Base:         2.0,
	}
}

func TestDoRetriesTransientStatuses(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			calls := 0
			err := testPolicy().Do("list", func() error {
				calls++
				if calls < 3 {
					return &googleapi.Error{Code: code, Message: "upstream"}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("expected recovery, got %v", err)
			}
			if calls != 3 {
				t.Fatalf("expected 3 calls, got %d", calls)
			}
		})
	}
}

func TestDoRetriesNetworkTimeout(t *testing.T) {
	calls := 0
	err := testPolicy().Do("watch", func() error {
		calls++
		if calls == 1 {
			return &timeoutError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoPermanentErrorSingleCall(t *testing.T) {
	calls := 0
	want := &googleapi.Error{Code: 404, Message: "not found"}
	err := testPolicy().Do("stop", func() error {
		calls++
		return want
	})
	if calls != 1 {
		t.Fatalf("permanent error must not retry, got %d calls", calls)
	}
	var ge *googleapi.Error
	if !errors.As(err, &ge) || ge.Code != 404 {
		t.Fatalf("expected the original 404, got %v", err)
	}
}

func TestDoSyncTokenInvalidBypassesRetry(t *testing.T) {
	calls := 0
	want := out.NewProviderError("google_calendar", out.ProviderErrSyncRequired, "token expired",
		&googleapi.Error{Code: 410}, false)
	err := testPolicy().Do("list", func() error {
		calls++
		return want
	})
	if calls != 1 {
		t.Fatalf("sync invalidation must surface immediately, got %d calls", calls)
	}
	if !out.IsSyncTokenInvalid(err) {
		t.Fatalf("expected sync-token invalidation to survive, got %v", err)
	}
}

func TestDoExhaustionWrapsLastError(t *testing.T) {
	calls := 0
	last := &googleapi.Error{Code: 503, Message: "still down"}
	err := testPolicy().Do("list", func() error {
		calls++
		return last
	})
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion wrapper, got %v", err)
	}
	var ge *googleapi.Error
	if !errors.As(err, &ge) || ge.Code != 503 {
		t.Fatalf("exhaustion must wrap the final error, got %v", err)
	}
}

func TestDoProviderErrorRetryableFlag(t *testing.T) {
	calls := 0
	err := testPolicy().Do("watch", func() error {
		calls++
		return out.NewProviderError("google_drive", out.ProviderErrBadRequest, "bad channel", nil, false)
	})
	if calls != 1 {
		t.Fatalf("non-retryable provider error must not retry, got %d calls", calls)
	}
	var pe *out.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }
