package autherrorsvc

import (
	"strings"

	"github.com/corray333/backend-labs/autherror/internal/service/models/analysis"
	"github.com/corray333/backend-labs/autherror/internal/service/models/autherror"
)

const (
	stubAnalysisVersion = "v1-stub"
	stubModel           = "stub-rules"
)

// Analyzer classifies an auth error. The returned result carries no ids or timestamps.
type Analyzer interface {
	Analyze(e autherror.AuthError) analysis.Result
}

// StubAnalyzer classifies by HTTP status and exception class.
// The exception class wins over the status.
type StubAnalyzer struct{}

func (StubAnalyzer) Analyze(e autherror.AuthError) analysis.Result {
	r := analysis.Result{
		AnalysisVersion: stubAnalysisVersion,
		Model:           stubModel,
		Category:        "UNKNOWN",
		Severity:        "MEDIUM",
		Summary:         "Authentication error detected.",
		SuggestedAction: "Check logs, token handling and permission settings.",
		Confidence:      0.6,
	}

	if e.HTTPStatus != nil {
		switch status := *e.HTTPStatus; {
		case status == 401:
			r.Category = "UNAUTHORIZED"
			r.Severity = "LOW"
			r.Summary = "Request rejected with 401: missing or invalid credentials."
			r.SuggestedAction = "Check token expiry, issuance and the Authorization header."
			r.Confidence = 0.85
		case status == 403:
			r.Category = "FORBIDDEN"
			r.Severity = "MEDIUM"
			r.Summary = "Request rejected with 403: insufficient permissions."
			r.SuggestedAction = "Check access policies and role mappings."
			r.Confidence = 0.85
		case status >= 500:
			r.Category = "SERVER_ERROR"
			r.Severity = "HIGH"
			r.Summary = "Authentication failed with a server error."
			r.SuggestedAction = "Check the auth module, the identity provider and the stack trace."
			r.Confidence = 0.8
		}
	}

	ex := deref(e.ExceptionClass)
	switch {
	case strings.Contains(ex, "ExpiredJwt") || strings.Contains(ex, "TokenExpired"):
		r.Category = "TOKEN_EXPIRED"
		r.Severity = "LOW"
		r.Summary = "Authentication failed because the JWT expired."
		r.SuggestedAction = "Check the refresh flow and clock synchronization."
		r.Confidence = 0.95
	case strings.Contains(ex, "Signature"):
		r.Category = "INVALID_SIGNATURE"
		r.Severity = "HIGH"
		r.Summary = "Token signature verification failed."
		r.SuggestedAction = "Check signing keys, algorithms and deployed versions."
		r.Confidence = 0.9
	}

	return r
}
