package apiclient

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
)

// BodyKind identifies how a response body was normalised
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyText
	BodyBlob
)

func (k BodyKind) String() string {
	switch k {
	case BodyJSON:
		return "json"
	case BodyText:
		return "text"
	case BodyBlob:
		return "blob"
	default:
		return "none"
	}
}

// Body is a normalised response body
type Body struct {
	Kind        BodyKind
	ContentType string
	JSON        json.RawMessage
	Text        string
	Blob        []byte
}

// IsNone reports the "no content" sentinel
func (b Body) IsNone() bool { return b.Kind == BodyNone }

// String renders the body for logs and error messages
func (b Body) String() string {
	switch b.Kind {
	case BodyJSON:
		return string(b.JSON)
	case BodyText:
		return b.Text
	case BodyBlob:
		return "<" + b.ContentType + " blob>"
	default:
		return ""
	}
}

// NormalizeBody reads and closes resp.Body. It never fails: a declared zero length
// yields BodyNone, invalid JSON degrades to text, and a read error keeps whatever
// bytes arrived.
func NormalizeBody(resp *http.Response) Body {
	if resp == nil || resp.Body == nil {
		return Body{Kind: BodyNone}
	}
	defer resp.Body.Close()

	if resp.ContentLength == 0 || resp.Header.Get("Content-Length") == "0" {
		io.Copy(io.Discard, resp.Body)
		return Body{Kind: BodyNone}
	}

	raw, _ := io.ReadAll(resp.Body)
	if len(raw) == 0 {
		return Body{Kind: BodyNone}
	}
	return normalize(resp.Header.Get("Content-Type"), raw)
}

func normalize(contentType string, raw []byte) Body {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if json.Valid(raw) {
			return Body{Kind: BodyJSON, ContentType: mediaType, JSON: json.RawMessage(raw)}
		}
		return Body{Kind: BodyText, ContentType: mediaType, Text: string(raw)}
	case strings.HasPrefix(mediaType, "image/"):
		return Body{Kind: BodyBlob, ContentType: mediaType, Blob: raw}
	default:
		return Body{Kind: BodyText, ContentType: mediaType, Text: string(raw)}
	}
}
