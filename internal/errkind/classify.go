// Package errkind maps handler-reported errors to the small taxonomy the job
// state machine uses to decide between pause-for-human, retry, and fail. It
// is the only place in the scheduler allowed to string-match an error
// message, per the spec's invariant that classification is deterministic and
// centralized.
package errkind

import (
	"strings"

	"github.com/valetsys/valetcore/internal/domain"
)

// Kind is the taxonomy bucket an error falls into.
type Kind string

const (
	KindCaptchaBlocked       Kind = "captcha_blocked"
	KindLoginRequired        Kind = "login_required"
	Kind2FARequired          Kind = "2fa_required"
	KindBotCheck              Kind = "bot_check"
	KindRateLimitedRemote     Kind = "rate_limited"
	KindVerificationRequired Kind = "verification_required"

	KindNetworkError          Kind = "network_error"
	KindLLMRateLimit          Kind = "llm_rate_limit"
	KindTransientBrowserError Kind = "transient_browser_error"

	KindUnknownHandler   Kind = "unknown_handler"
	KindValidationError  Kind = "validation_error"
	KindPermissionDenied Kind = "permission_denied"
	KindBadInput         Kind = "bad_input"

	KindTimeout  Kind = "timeout"
	KindInternal Kind = "internal_error"
)

// Policy is the retry/pause/fail disposition for a Kind.
type Policy string

const (
	PolicyHITL      Policy = "hitl"
	PolicyRetryable Policy = "retryable"
	PolicyFatal     Policy = "fatal"
)

// policyTable is the single source of truth for §8's taxonomy table.
var policyTable = map[Kind]Policy{
	KindCaptchaBlocked:       PolicyHITL,
	KindLoginRequired:        PolicyHITL,
	Kind2FARequired:          PolicyHITL,
	KindBotCheck:             PolicyHITL,
	KindRateLimitedRemote:    PolicyHITL,
	KindVerificationRequired: PolicyHITL,

	KindNetworkError:          PolicyRetryable,
	KindLLMRateLimit:          PolicyRetryable,
	KindTransientBrowserError: PolicyRetryable,

	KindUnknownHandler:   PolicyFatal,
	KindValidationError:  PolicyFatal,
	KindPermissionDenied: PolicyFatal,
	KindBadInput:         PolicyFatal,
	KindTimeout:          PolicyFatal,
	KindInternal:         PolicyFatal,
}

// PolicyFor returns the disposition for a Kind. An unrecognized Kind is
// treated as fatal per the spec's explicit resolution of the retry/fail
// ambiguity: "implementers should treat any ambiguity as a deliberate choice
// to route to failed rather than to retry."
func PolicyFor(k Kind) Policy {
	if p, ok := policyTable[k]; ok {
		return p
	}
	return PolicyFatal
}

// substringRule maps a message substring to a Kind. Order matters: rules are
// evaluated top-to-bottom and the first match wins, so more specific phrases
// (e.g. "two-factor authentication") should precede generic ones.
type substringRule struct {
	substr string
	kind   Kind
}

var rules = []substringRule{
	{"two-factor authentication", Kind2FARequired},
	{"authenticator app", Kind2FARequired},
	{"verification code", Kind2FARequired},
	{"2fa", Kind2FARequired},
	{"captcha", KindCaptchaBlocked},
	{"recaptcha", KindCaptchaBlocked},
	{"hcaptcha", KindCaptchaBlocked},
	{"sign in required", KindLoginRequired},
	{"please log in", KindLoginRequired},
	{"login required", KindLoginRequired},
	{"bot detected", KindBotCheck},
	{"automated traffic", KindBotCheck},
	{"unusual activity", KindBotCheck},
	{"please verify", KindVerificationRequired},
	{"identity verification", KindVerificationRequired},
	{"llm rate limit", KindLLMRateLimit},
	{"model is overloaded", KindLLMRateLimit},
	{"rate limit", KindRateLimitedRemote},
	{"too many requests", KindRateLimitedRemote},
	{"connection reset", KindNetworkError},
	{"connection refused", KindNetworkError},
	{"no such host", KindNetworkError},
	{"network is unreachable", KindNetworkError},
	{"i/o timeout", KindNetworkError},
	{"browser crashed", KindTransientBrowserError},
	{"page crashed", KindTransientBrowserError},
	{"navigation timeout", KindTransientBrowserError},
	{"permission denied", KindPermissionDenied},
	{"forbidden", KindPermissionDenied},
	{"invalid input", KindBadInput},
	{"validation failed", KindValidationError},
	{"unknown handler", KindUnknownHandler},
	{"deadline exceeded", KindTimeout},
	{"context deadline exceeded", KindTimeout},
}

// Classify maps an error's message to a Kind using deterministic substring
// matching, case-insensitive. Unmatched errors classify as KindInternal.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if strings.Contains(msg, r.substr) {
			return r.kind
		}
	}
	return KindInternal
}

// InteractionTypeFor maps a HITL-eligible Kind to the domain.InteractionType
// persisted on the job row. Panics are avoided: non-HITL kinds return "".
func InteractionTypeFor(k Kind) domain.InteractionType {
	switch k {
	case KindCaptchaBlocked:
		return domain.InteractionCaptcha
	case KindLoginRequired:
		return domain.InteractionLogin
	case Kind2FARequired:
		return domain.Interaction2FA
	case KindBotCheck:
		return domain.InteractionBotCheck
	case KindRateLimitedRemote:
		return domain.InteractionRateLimited
	case KindVerificationRequired:
		return domain.InteractionVerification
	default:
		return ""
	}
}
