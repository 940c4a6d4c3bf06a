package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusHeader carries the machine-readable outcome of every proxied request.
const StatusHeader = "X-Corsfix-Status"

// StatusSuccess is the StatusHeader value for requests that did not fail.
const StatusSuccess = "success"

// Kind is the closed set of proxy-level failures.
type Kind int

const (
	InvalidOrigin Kind = iota + 1
	InvalidReferer
	InvalidURL
	PayloadTooLarge
	DomainNotRegistered
	TargetNotAllowed
	InvalidAPIKey
	UserNotFound
	InvalidSubscription
	RateLimited
	TrialExpired
	TrialLimitReached
	TargetNotFound
	TargetUnreachable
	Timeout
	ResponseTooLarge
	ResponseNotText
	UncaughtError
	UnknownError
)

// definition is the fixed status code, tag and copy for a Kind.
type definition struct {
	status  int
	tag     string
	message string
	admin   string
	user    string
}

const contactOwner = "Please contact the website owner about this issue"

var definitions = map[Kind]definition{
	DomainNotRegistered: {
		status:  http.StatusForbidden,
		tag:     "domain_not_registered",
		message: "This website domain hasn't been registered to use the proxy",
		admin:   "Please add your website domain ({domain}) to the dashboard to use the proxy",
		user:    contactOwner,
	},
	InvalidAPIKey: {
		status:  http.StatusForbidden,
		tag:     "invalid_api_key",
		message: "The provided API key is invalid or has been revoked",
		admin:   "Check that your API key is correct in your dashboard",
		user:    contactOwner,
	},
	InvalidOrigin: {
		status:  http.StatusBadRequest,
		tag:     "invalid_origin",
		message: "Request is missing a valid Origin header",
		admin:   "Ensure requests are made from browser JavaScript (fetch/AJAX), not server-side or direct access",
		user:    contactOwner,
	},
	InvalidReferer: {
		status:  http.StatusBadRequest,
		tag:     "invalid_referer",
		message: "JSONP request is missing a valid Referer header",
		admin:   "Ensure JSONP requests include the Referer header",
		user:    contactOwner,
	},
	InvalidSubscription: {
		status:  http.StatusBadRequest,
		tag:     "invalid_subscription",
		message: "The subscription configuration is invalid",
		admin:   "Please contact Corsfix support about your subscription",
		user:    contactOwner,
	},
	InvalidURL: {
		status:  http.StatusBadRequest,
		tag:     "invalid_url",
		message: "The target URL is invalid or malformed",
		admin:   "Check the URL format - it must be a valid HTTP/HTTPS URL",
		user:    contactOwner,
	},
	PayloadTooLarge: {
		status:  http.StatusRequestEntityTooLarge,
		tag:     "payload_too_large",
		message: "The request payload exceeds the maximum allowed size (5MB)",
		admin:   "Reduce your request payload size or contact support for higher limits",
		user:    contactOwner,
	},
	RateLimited: {
		status:  http.StatusTooManyRequests,
		tag:     "rate_limited",
		message: "Too many requests in a short period",
		admin:   "You've exceeded your rate limit - consider upgrading your plan",
		user:    "Please wait a moment and try again",
	},
	ResponseNotText: {
		status:  http.StatusBadRequest,
		tag:     "response_not_text",
		message: "The response is binary data, not valid text",
		admin:   "The target returned non-text content - disable text-only mode or ensure the target returns text",
		user:    contactOwner,
	},
	ResponseTooLarge: {
		status:  http.StatusBadRequest,
		tag:     "response_too_large",
		message: "The response exceeds the maximum allowed size (1MB for text/JSONP)",
		admin:   "The target response is too large - consider pagination or upgrading your plan",
		user:    contactOwner,
	},
	TargetNotAllowed: {
		status:  http.StatusForbidden,
		tag:     "target_not_allowed",
		message: "The target domain is not in the allowed list",
		admin:   "Add the target domain ({domain}) to your allowed domains in the dashboard",
		user:    contactOwner,
	},
	TargetNotFound: {
		status:  http.StatusNotFound,
		tag:     "target_not_found",
		message: "The target domain could not be found",
		admin:   "Check that the target URL is correct and the domain exists",
		user:    "The requested resource is currently unavailable",
	},
	TargetUnreachable: {
		status:  http.StatusBadGateway,
		tag:     "target_unreachable",
		message: "Unable to connect to the target server",
		admin:   "The target server may be down or blocking requests - check the target URL",
		user:    "The requested resource is currently unavailable",
	},
	Timeout: {
		status:  http.StatusGatewayTimeout,
		tag:     "timeout",
		message: "The request to the target server timed out",
		admin:   "The target server took too long to respond - check target availability",
		user:    "The requested resource is currently unavailable",
	},
	TrialExpired: {
		status:  http.StatusForbidden,
		tag:     "trial_expired",
		message: "The free trial period has ended",
		admin:   "Please upgrade your plan to continue using the proxy (https://app.corsfix.com/billing)",
		user:    contactOwner,
	},
	TrialLimitReached: {
		status:  http.StatusForbidden,
		tag:     "trial_limit_reached",
		message: "The free trial usage limit has been reached",
		admin:   "Please upgrade your plan to continue using the proxy (https://app.corsfix.com/billing)",
		user:    contactOwner,
	},
	UncaughtError: {
		status:  http.StatusInternalServerError,
		tag:     "uncaught_error",
		message: "An unexpected error occurred while processing the request",
		admin:   "Please try again or contact Corsfix support if the issue persists",
		user:    "Please try again later",
	},
	UnknownError: {
		status:  http.StatusInternalServerError,
		tag:     "unknown_error",
		message: "An unknown error occurred",
		admin:   "Please try again or contact Corsfix support if the issue persists",
		user:    "Please try again later",
	},
	UserNotFound: {
		status:  http.StatusForbidden,
		tag:     "user_not_found",
		message: "The application owner account was not found",
		admin:   "Please contact Corsfix support about your account",
		user:    contactOwner,
	},
}

// Kinds returns every Kind in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(definitions))
	for k := InvalidOrigin; k <= UnknownError; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k Kind) def() definition {
	if d, ok := definitions[k]; ok {
		return d
	}
	return definitions[UnknownError]
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int { return k.def().status }

// Tag returns the machine tag, e.g. "rate_limited".
func (k Kind) Tag() string { return k.def().tag }

func (k Kind) String() string { return k.Tag() }

// ServerFault reports whether failures of this kind are logged with detail.
func (k Kind) ServerFault() bool { return k.Status() >= http.StatusInternalServerError }

// Context holds values substituted into the message templates.
type Context struct {
	Domain string
}

// Body is the JSON shape of every error response.
type Body struct {
	Tag     string `json:"corsfix_error"`
	Message string `json:"message"`
	Admin   string `json:"if_you_are_admin"`
	User    string `json:"if_you_are_user"`
}

// Render builds the response body for a kind. It is a pure function.
func Render(k Kind, ctx Context) Body {
	d := k.def()
	return Body{
		Tag:     d.tag,
		Message: fill(d.message, ctx),
		Admin:   fill(d.admin, ctx),
		User:    fill(d.user, ctx),
	}
}

func fill(s string, ctx Context) string {
	if !strings.Contains(s, "{domain}") {
		return s
	}
	return strings.ReplaceAll(s, "{domain}", ctx.Domain)
}

// Error is a catalog failure, optionally wrapping the cause.
type Error struct {
	Kind       Kind
	Context    Context
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Kind.Tag(), e.underlying)
	}
	return e.Kind.Tag()
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.underlying == nil
}

// New creates an Error of the given kind.
func New(k Kind) *Error {
	return &Error{Kind: k}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(err error, k Kind) *Error {
	return &Error{Kind: k, underlying: err}
}

// WithDomain returns a copy carrying the domain used in message templates.
func (e *Error) WithDomain(domain string) *Error {
	return &Error{
		Kind:       e.Kind,
		Context:    Context{Domain: domain},
		underlying: e.underlying,
	}
}

// WriteJSON writes the error response: status, status tag, permissive CORS
// headers so browser callers can read the body, and the pretty-printed body.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	h := w.Header()
	h.Set(StatusHeader, e.Kind.Tag())
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "*")
	h.Set("Content-Type", "application/json")
	h.Set("X-Robots-Tag", "noindex, nofollow")
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	w.WriteHeader(e.Kind.Status())
	b, _ := json.MarshalIndent(Render(e.Kind, e.Context), "", "  ")
	w.Write(b)
}

// From converts any error into a catalog Error. Errors outside the catalog
// become UnknownError wrapping the original.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce
	}
	return Wrap(err, UnknownError)
}

// KindOf returns the kind of err, or 0 when err is not a catalog error.
func KindOf(err error) Kind {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
