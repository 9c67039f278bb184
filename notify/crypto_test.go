package notify

import "testing"

func TestGenerateWakeIDUnique(t *testing.T) {
	a := GenerateWakeID()
	b := GenerateWakeID()
	if a == b {
		t.Fatalf("expected distinct wake ids, got %q twice", a)
	}
	if a[:2] != "w_" {
		t.Errorf("expected wake id prefix w_, got %q", a)
	}
}

func TestCallbackTokenRoundTrip(t *testing.T) {
	token := GenerateCallbackToken("consumer-1", 3)

	result := ValidateCallbackToken(token, "consumer-1")
	if !result.Valid {
		t.Fatalf("expected token to validate, got code %q", result.Code)
	}

	if result := ValidateCallbackToken(token, "consumer-2"); result.Valid {
		t.Error("expected token minted for a different consumer to be rejected")
	}

	if result := ValidateCallbackToken("garbage", "consumer-1"); result.Valid || result.Code != ErrCodeTokenInvalid {
		t.Errorf("expected TOKEN_INVALID for malformed token, got %+v", result)
	}
}

func TestBuildConsumerIDEscapesStreamPath(t *testing.T) {
	id := BuildConsumerID("sub-1", "/s/a b")
	if id != "sub-1:%2Fs%2Fa%20b" {
		t.Errorf("unexpected consumer id: %q", id)
	}
}
