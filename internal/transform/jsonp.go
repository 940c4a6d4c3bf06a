package transform

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/request"
)

// Body types reported to JSONP callbacks.
const (
	BodyJSON   = "json"
	BodyText   = "text"
	BodyBase64 = "base64"
)

// JSONPPayload is the argument passed to the callback.
type JSONPPayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Type    string            `json:"type"`
	Body    any               `json:"body"`
}

// JSONP wraps the buffered upstream response in a callback invocation.
type JSONP struct {
	Limit int64
}

func (j *JSONP) Transform(w http.ResponseWriter, r *http.Request, resp *http.Response, rc *request.Context) error {
	body, err := readDecoded(resp, j.Limit)
	if err != nil {
		return err
	}

	upstreamHeader := make(http.Header, len(resp.Header))
	copyResponseHeader(upstreamHeader, resp.Header, rc, true)
	upstreamHeader.Del(cferrors.StatusHeader)

	payload := JSONPPayload{
		Status:  resp.StatusCode,
		Headers: flattenHeader(upstreamHeader),
	}
	payload.Type, payload.Body = classifyBody(body)

	script, err := renderScript(rc.Callback, payload)
	if err != nil {
		return cferrors.Wrap(err, cferrors.UnknownError)
	}

	h := w.Header()
	h.Set("Content-Type", "application/javascript; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set(cferrors.StatusHeader, cferrors.StatusSuccess)
	if rc.CachedRequest {
		h.Set("Cache-Control", upstreamHeader.Get("Cache-Control"))
	}

	rc.Status = http.StatusOK
	n, err := writeNegotiated(w, r, http.StatusOK, script)
	rc.BytesTransferred = n
	if err != nil {
		return &StreamError{Written: n, Err: err}
	}
	return nil
}

// classifyBody reports the body as parsed JSON, UTF-8 text, or base64.
func classifyBody(body []byte) (string, any) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return BodyJSON, json.RawMessage(trimmed)
	}
	if utf8.Valid(body) {
		return BodyText, string(body)
	}
	return BodyBase64, base64.StdEncoding.EncodeToString(body)
}

// renderScript produces callback(payload). encoding/json escapes <, >, &,
// U+2028 and U+2029, so the payload cannot close a script element.
func renderScript(callback string, payload JSONPPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(callback) + len(data) + 2)
	buf.WriteString(callback)
	buf.WriteByte('(')
	buf.Write(data)
	buf.WriteByte(')')
	return buf.Bytes(), nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
