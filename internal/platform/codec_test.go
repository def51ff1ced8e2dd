package platform

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodePlainText(t *testing.T) {
	t.Parallel()

	category, data := EncodeText("你好 world")
	if category != CategoryPlainText {
		t.Fatalf("EncodeText category = %q", category)
	}

	decoded, err := DecodeContent(category, data)
	if err != nil {
		t.Fatalf("DecodeContent failed: %v", err)
	}
	if decoded.Kind != KindText || decoded.Text != "你好 world" {
		t.Fatalf("unexpected decode result: %+v", decoded)
	}
}

func TestDecodeInvalidBase64Fails(t *testing.T) {
	t.Parallel()

	if _, err := DecodeContent(CategoryPlainText, "!!not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64 payload")
	}
}

func TestDecodeKnownNonTextCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category string
		kind     string
	}{
		{CategoryImage, KindImage},
		{CategoryData, KindFile},
		{CategorySticker, KindSticker},
		{CategoryContact, KindContact},
		{CategoryLocation, KindLocation},
	}
	for _, tt := range tests {
		decoded, err := DecodeContent(tt.category, "")
		if err != nil {
			t.Fatalf("DecodeContent(%s) failed: %v", tt.category, err)
		}
		if decoded.Kind != tt.kind {
			t.Fatalf("DecodeContent(%s).Kind = %q, want %q", tt.category, decoded.Kind, tt.kind)
		}
	}
}

func TestUnknownCategoryPreservesRawName(t *testing.T) {
	t.Parallel()

	decoded, err := DecodeContent("PLAIN_VIDEO", "")
	if err != nil {
		t.Fatalf("DecodeContent failed: %v", err)
	}
	if decoded.Kind != KindUnknown {
		t.Fatalf("unknown category kind = %q", decoded.Kind)
	}
	if decoded.Category != "PLAIN_VIDEO" || decoded.Text != "[PLAIN_VIDEO]" {
		t.Fatalf("raw category not preserved: %+v", decoded)
	}
}

func TestEncodeImageDefaultsThumbnail(t *testing.T) {
	t.Parallel()

	category, data, err := EncodeImage("https://example.com/a.png", "")
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	if category != CategoryImage {
		t.Fatalf("EncodeImage category = %q", category)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("image payload is not base64: %v", err)
	}
	var p imagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("image payload is not JSON: %v", err)
	}
	if p.Thumbnail != p.URL {
		t.Fatalf("thumbnail should default to the url: %+v", p)
	}
}
