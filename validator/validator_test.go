package validator

import (
	"strings"
	"testing"
)

type testRecord struct {
	SenderID    string `validate:"required"`
	RecipientID string `validate:"required"`
	MessageType string `validate:"required,oneof=text image file"`
}

func TestValidateStruct(t *testing.T) {
	v := New()

	t.Run("valid", func(t *testing.T) {
		errs := v.ValidateStruct(testRecord{
			SenderID: "alice", RecipientID: "bob", MessageType: "text",
		})
		if errs != nil {
			t.Fatalf("unexpected errors: %+v", errs)
		}
	})

	t.Run("missing required", func(t *testing.T) {
		errs := v.ValidateStruct(testRecord{MessageType: "text"})
		if len(errs) != 2 {
			t.Fatalf("errors = %d, want 2: %+v", len(errs), errs)
		}
		fields := map[string]bool{}
		for _, e := range errs {
			fields[e.Field] = true
		}
		if !fields["SenderID"] || !fields["RecipientID"] {
			t.Errorf("wrong fields flagged: %+v", errs)
		}
	})

	t.Run("bad oneof", func(t *testing.T) {
		errs := v.ValidateStruct(testRecord{
			SenderID: "alice", RecipientID: "bob", MessageType: "smoke-signal",
		})
		if len(errs) != 1 || errs[0].Field != "MessageType" {
			t.Fatalf("errors = %+v, want one on MessageType", errs)
		}
	})
}

func TestValidate(t *testing.T) {
	v := New()

	if errs := v.Validate("text", "oneof=text image file"); errs != nil {
		t.Errorf("unexpected errors: %+v", errs)
	}
	if errs := v.Validate("", "required"); len(errs) != 1 {
		t.Errorf("errors = %+v, want one", errs)
	}
}

func TestStruct(t *testing.T) {
	v := New()

	t.Run("valid", func(t *testing.T) {
		err := v.Struct(testRecord{SenderID: "a", RecipientID: "b", MessageType: "file"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("invalid names fields", func(t *testing.T) {
		err := v.Struct(testRecord{})
		if err == nil {
			t.Fatal("expected error")
		}
		for _, field := range []string{"SenderID", "RecipientID", "MessageType"} {
			if !strings.Contains(err.Error(), field) {
				t.Errorf("error %q does not name %s", err, field)
			}
		}
	})

	t.Run("non-struct passes", func(t *testing.T) {
		if err := v.Struct(map[string]bool{"is_read": true}); err != nil {
			t.Fatalf("map should pass unchecked: %v", err)
		}
	})
}
