// Package intent turns decoded QR text into a payment intent.
//
// Accepted payloads have the form
//
//	<scheme>://pay?pa=<merchantId>&pn=<merchantName>&am=<amount>
//
// where every parameter is optional, values are percent-encoded and
// parameter order does not matter. Anything else is rejected with
// reason "unsupported-scheme".
package intent

import (
	"net/url"
	"strings"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

const (
	DefaultScheme = "upi"
	payAction     = "pay"
)

// query keys
const (
	keyMerchantID   = "pa"
	keyMerchantName = "pn"
	keyAmount       = "am"
	keyNote         = "tn"
	keyCurrency     = "cu"
)

// Result is either an intent or a failure, never both.
type Result struct {
	Intent  *models.PaymentIntent
	Failure *models.ParseFailure
}

func (r Result) OK() bool {
	return r.Intent != nil
}

type Parser struct {
	Scheme string
}

func NewParser(scheme string) *Parser {
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &Parser{Scheme: strings.ToLower(scheme)}
}

func (p *Parser) Parse(raw string) Result {
	query, ok := p.stripPrefix(strings.TrimSpace(raw))
	if !ok {
		return fail(models.ReasonUnsupportedScheme)
	}

	params := parseQuery(query)

	intent := &models.PaymentIntent{
		MerchantID:   params[keyMerchantID],
		MerchantName: params[keyMerchantName],
		Note:         params[keyNote],
		Currency:     params[keyCurrency],
		RawPayload:   raw,
	}
	if intent.MerchantID == "" {
		intent.MerchantID = models.PlaceholderMerchantID
	}
	if intent.MerchantName == "" {
		intent.MerchantName = models.PlaceholderMerchantName
	}
	if am, ok := params[keyAmount]; ok && am != "" {
		intent.Amount = &am
	}

	return Result{Intent: intent}
}

// stripPrefix matches "<scheme>://pay" case-insensitively and returns what
// follows the "?".
func (p *Parser) stripPrefix(text string) (string, bool) {
	scheme := p.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	prefix := scheme + "://" + payAction
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}

	rest := text[len(prefix):]
	switch {
	case rest == "":
		return "", true
	case rest[0] == '?':
		return rest[1:], true
	case rest[0] == '/' && (len(rest) == 1 || rest[1] == '?'):
		// "upi://pay/?pa=..." shows up in some generators
		return strings.TrimPrefix(rest[1:], "?"), true
	}
	return "", false
}

// parseQuery splits on '&' and '=' and percent-decodes keys and values.
// The first occurrence of a key wins.
func parseQuery(query string) map[string]string {
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}

	params := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key := strings.ToLower(strings.TrimSpace(unescape(k)))
		if key == "" {
			continue
		}
		if _, seen := params[key]; seen {
			continue
		}
		params[key] = strings.TrimSpace(unescape(v))
	}
	return params
}

func unescape(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func fail(reason string) Result {
	return Result{Failure: &models.ParseFailure{Reason: reason}}
}
