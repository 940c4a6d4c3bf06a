package transform

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	cferrors "github.com/corsfix/proxy/internal/errors"
	"github.com/corsfix/proxy/internal/request"
	"github.com/corsfix/proxy/internal/upstream"
)

// Text buffers the decoded body up to Limit bytes, requires UTF-8 and
// re-encodes it for the client.
type Text struct {
	Limit int64
}

func (t *Text) Transform(w http.ResponseWriter, r *http.Request, resp *http.Response, rc *request.Context) error {
	body, err := readDecoded(resp, t.Limit)
	if err != nil {
		return err
	}
	if !utf8.Valid(body) {
		return cferrors.Wrap(fmt.Errorf("upstream body is not utf-8"), cferrors.ResponseNotText)
	}

	h := w.Header()
	copyResponseHeader(h, resp.Header, rc, true)
	setCORS(h, rc)
	h.Set("Content-Type", NormalizeContentType(resp.Header.Get("Content-Type")))

	rc.Status = resp.StatusCode
	n, err := writeNegotiated(w, r, resp.StatusCode, body)
	rc.BytesTransferred = n
	if err != nil {
		return &StreamError{Written: n, Err: err}
	}
	return nil
}

// readDecoded removes any Content-Encoding and reads at most limit bytes.
func readDecoded(resp *http.Response, limit int64) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}
	if resp.Header.Get("Content-Encoding") == "" && resp.ContentLength > limit {
		return nil, cferrors.Wrap(fmt.Errorf("content-length %d exceeds %d", resp.ContentLength, limit), cferrors.ResponseTooLarge)
	}
	if err := upstream.Decode(resp); err != nil {
		return nil, cferrors.Wrap(err, cferrors.TargetUnreachable)
	}
	body, err := ReadLimited(resp.Body, limit)
	if err != nil {
		if cferrors.KindOf(err) != 0 {
			return nil, err
		}
		return nil, upstream.Classify(err)
	}
	return body, nil
}
