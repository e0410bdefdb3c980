package apiclient

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func newResponse(contentType, body string, contentLength int64) *http.Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: contentLength,
	}
}

func TestNormalizeBody_NoContent(t *testing.T) {
	for _, ct := range []string{"application/json", "image/png", "text/plain"} {
		b := NormalizeBody(newResponse(ct, "", 0))
		if !b.IsNone() {
			t.Errorf("%s: expected no-content sentinel, got %s", ct, b.Kind)
		}
	}
}

func TestNormalizeBody_JSON(t *testing.T) {
	b := NormalizeBody(newResponse("application/json; charset=utf-8", `{"id":"1"}`, -1))
	if b.Kind != BodyJSON {
		t.Fatalf("expected json, got %s", b.Kind)
	}
	if string(b.JSON) != `{"id":"1"}` {
		t.Errorf("unexpected payload %s", b.JSON)
	}
}

func TestNormalizeBody_MalformedJSONDegradesToText(t *testing.T) {
	b := NormalizeBody(newResponse("application/json", `{"id":`, -1))
	if b.Kind != BodyText {
		t.Fatalf("expected text fallback, got %s", b.Kind)
	}
	if b.Text != `{"id":` {
		t.Errorf("unexpected text %q", b.Text)
	}
}

func TestNormalizeBody_Image(t *testing.T) {
	b := NormalizeBody(newResponse("image/png", "\x89PNG", -1))
	if b.Kind != BodyBlob {
		t.Fatalf("expected blob, got %s", b.Kind)
	}
	if string(b.Blob) != "\x89PNG" {
		t.Errorf("unexpected blob bytes")
	}
}

func TestNormalizeBody_OtherIsText(t *testing.T) {
	b := NormalizeBody(newResponse("text/html", "<p>down</p>", -1))
	if b.Kind != BodyText || b.Text != "<p>down</p>" {
		t.Errorf("expected html as text, got %s %q", b.Kind, b.Text)
	}

	b = NormalizeBody(newResponse("", "plain", -1))
	if b.Kind != BodyText {
		t.Errorf("expected text when content type is missing, got %s", b.Kind)
	}
}

func TestNormalizeBody_NilResponse(t *testing.T) {
	if !NormalizeBody(nil).IsNone() {
		t.Error("expected none for nil response")
	}
}
