package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{
			name:    "extension error",
			code:    CodeImportFailed,
			wantMsg: "Extension import failed",
			wantCat: CategoryExtension,
		},
		{
			name:    "job error",
			code:    CodeInvalidTransition,
			wantMsg: "Invalid job transition",
			wantCat: CategoryJob,
		},
		{
			name:    "timeout message",
			code:    CodeJobTimedOut,
			wantMsg: "timed out",
			wantCat: CategoryJob,
		},
		{
			name:    "unknown error code",
			code:    "E999",
			wantMsg: "Unknown error",
			wantCat: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	err := New(CodeJobNotFound).WithSubject("job_123")
	if got, want := err.Error(), "E111: Job not found (job_123)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	wrapped := New(CodePersistenceFailed).Wrap(fmt.Errorf("disk full"))
	if got, want := wrapped.Error(), "E110: Job persistence failed: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	plain := &Error{Message: "test error"}
	if plain.Error() != "test error" {
		t.Errorf("Error() = %q, want %q", plain.Error(), "test error")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeInvalidTransition)
	err := fmt.Errorf("complete: %w", New(CodeInvalidTransition).WithSubject("job_1"))

	if !stderrors.Is(err, sentinel) {
		t.Error("errors.Is should match coded errors by code")
	}
	if stderrors.Is(err, New(CodeJobNotFound)) {
		t.Error("errors.Is should not match a different code")
	}
	if stderrors.Is(err, &Error{Message: "no code"}) {
		t.Error("errors.Is should not match an uncoded target")
	}
}

func TestBuildersCopy(t *testing.T) {
	sentinel := New(CodeJobNotFound)
	decorated := sentinel.WithSubject("job_1").Wrap(stderrors.New("gone"))

	if sentinel.Subject != "" || sentinel.Wrapped != nil {
		t.Errorf("sentinel was modified: %+v", sentinel)
	}
	if decorated.Subject != "job_1" || decorated.Wrapped == nil {
		t.Errorf("decorated = %+v", decorated)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := New(CodeClusterTransport).Wrap(cause)
	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause should be reachable")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, CodeIPCFrame) != nil {
		t.Error("FromError(nil) should be nil")
	}

	orig := New(CodeFolderMissing)
	if got := FromError(fmt.Errorf("wrap: %w", orig), CodeIPCFrame); got != orig {
		t.Error("FromError should return the coded error already in the chain")
	}

	got := FromError(stderrors.New("boom"), CodeIPCFrame)
	if got.Code != CodeIPCFrame || got.Wrapped == nil {
		t.Errorf("FromError = %+v", got)
	}
}

func TestCodeAndHasCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeSpawnFailed))
	if Code(err) != CodeSpawnFailed {
		t.Errorf("Code = %q", Code(err))
	}
	if !HasCode(err, CodeSpawnFailed) {
		t.Error("HasCode should find the code")
	}
	if HasCode(err, CodeImportFailed) {
		t.Error("HasCode should not find another code")
	}
	if Code(stderrors.New("plain")) != "" {
		t.Error("plain error has no code")
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New(CodeEntrypointMissing).
		WithSubject("gallery").
		WithSuggestion("Add extension.yaml to the plugin folder")
	out := err.Format()

	for _, want := range []string{
		"ERROR E102: Extension entrypoint not found (gallery)",
		"no entrypoint file",
		"Hint: Add extension.yaml",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	err := New(CodeConfigValue).WithDetail("server.port must be between 1 and 65535")
	var decoded map[string]any
	if jerr := json.Unmarshal([]byte(err.FormatJSON()), &decoded); jerr != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v", jerr)
	}
	if decoded["code"] != CodeConfigValue {
		t.Errorf("code = %v", decoded["code"])
	}
	if decoded["category"] != string(CategoryConfig) {
		t.Errorf("category = %v", decoded["category"])
	}
}

func TestPrintError(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var buf bytes.Buffer
	PrintError(&buf, stderrors.New("plain failure"))
	if !strings.Contains(buf.String(), "ERROR: plain failure") {
		t.Errorf("PrintError = %q", buf.String())
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText(strings.Repeat("word ", 30), 20)
	for _, l := range lines {
		if len(l) > 20 {
			t.Errorf("line too long: %q", l)
		}
	}
	if wrapText("", 10) != nil {
		t.Error("empty text should wrap to nil")
	}
}

func TestRegistryCodesHaveMessages(t *testing.T) {
	for _, code := range GetAllCodes() {
		tmpl, ok := GetTemplate(code)
		if !ok || tmpl.Message == "" || tmpl.Category == "" {
			t.Errorf("code %s has incomplete template", code)
		}
	}
}
