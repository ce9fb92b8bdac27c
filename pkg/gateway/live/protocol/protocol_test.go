package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNewDisconnected_CarriesCodeAndReason(t *testing.T) {
	raw, err := Encode(NewDisconnected("s1", 1008, "  policy  "))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != TypeProxyStatus {
		t.Fatalf("type=%v", got["type"])
	}
	if got["status"] != StatusDisconnected {
		t.Fatalf("status=%v", got["status"])
	}
	if got["code"] != float64(1008) {
		t.Fatalf("code=%v", got["code"])
	}
	if got["reason"] != "policy" {
		t.Fatalf("reason=%v", got["reason"])
	}
}

func TestNewDisconnected_EmptyReasonIsFilled(t *testing.T) {
	f := NewDisconnected("s1", 1000, "")
	if f.Reason != "No reason" {
		t.Fatalf("reason=%q", f.Reason)
	}
}

func TestErrorFrame_NestedMessage(t *testing.T) {
	raw, err := Encode(NewError("s1", "authentication_error", "auth_failed", "token fetch failed"))
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	var got struct {
		Type  string `json:"type"`
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeError || got.Error.Code != "auth_failed" || got.Error.Message != "token fetch failed" {
		t.Fatalf("frame=%+v", got)
	}
}

func TestCloseReason_TruncatesOnRuneBoundary(t *testing.T) {
	short := "Upstream service disconnected"
	if got := CloseReason(short); got != short {
		t.Fatalf("CloseReason(short)=%q", got)
	}

	long := strings.Repeat("é", 100)
	got := CloseReason(long)
	if len(got) > maxCloseReasonBytes {
		t.Fatalf("len=%d, want <= %d", len(got), maxCloseReasonBytes)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated reason is not valid UTF-8")
	}
}
