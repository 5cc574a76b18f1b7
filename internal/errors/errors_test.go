package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormattingAndUnwrap(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("table", "mech_transactions"))

	if got := err.Error(); got != "[STORAGE_FAILURE] 写入失败: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause should be reachable through errors.Is")
	}
	if MetadataOf(err)["table"] != "mech_transactions" {
		t.Fatalf("metadata lost: %v", MetadataOf(err))
	}
	if New(CodeNotFound, "").Message() != "resource not found" {
		t.Fatalf("empty message should fall back to the registered description")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeConflict, "conflict")
	wrapped := fmt.Errorf("outer: %w", New(CodeConflict, "交易 tx-1 已存在"))
	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("different codes must not match")
	}
	if !HasCode(wrapped, CodeConflict) || HasCode(wrapped, CodeNotFound) {
		t.Fatalf("HasCode walked the chain incorrectly")
	}
}

func TestAttributesAndOverrides(t *testing.T) {
	const code Code = "TEST_REGISTERED"
	Register(code, Attributes{Message: "registered", Severity: SeverityCritical, Retryable: true, Alert: true})

	err := New(code, "")
	if !RetryableError(err) || !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("registered attributes not applied")
	}
	if RetryableError(New(code, "", WithRetryable(false))) {
		t.Fatalf("override should win over the registry")
	}
	if !ShouldAlert(New(code, "", WithRetryable(false))) {
		t.Fatalf("override must keep the other registered attributes")
	}
}

func TestPlainErrors(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain error should map to UNKNOWN")
	}
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors carry no attributes")
	}
	if CodeOf(nil) != CodeUnknown || MetadataOf(nil) != nil {
		t.Fatalf("nil error handling")
	}
	if AttributesOf("NEVER_REGISTERED").Severity != SeverityCritical {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
}
