package handlers

import (
	"time"

	"github.com/serroba/abuse/internal/abuse"
)

// CounterBody identifies one counter: the key pattern, its substitutions and the limit.
type CounterBody struct {
	Key           string            `doc:"Key pattern with {{token}} placeholders" example:"login-{{ip}}"     json:"key"           minLength:"1"`
	Params        map[string]string `doc:"Token substitutions"                     json:"params,omitempty"  required:"false"`
	Limit         int64             `doc:"Hits allowed per window, 0 disables"     example:"3"              json:"limit"         minimum:"0"`
	WindowSeconds int64             `doc:"Window length in seconds"                example:"300"            json:"windowSeconds" minimum:"1"`
}

// CheckRequest records one attempt against a counter.
type CheckRequest struct {
	Body CounterBody
}

// CheckResponse reports the outcome of a check.
type CheckResponse struct {
	Body struct {
		Key         string    `doc:"Resolved counter key"                        json:"key"`
		Blocked     bool      `doc:"Whether the attempt is over the limit"       json:"blocked"`
		Remaining   int64     `doc:"Attempts left in the window after this one"  json:"remaining"`
		Limit       int64     `doc:"Configured limit"                            json:"limit"`
		WindowStart time.Time `doc:"Start of the current window (UTC)"           json:"windowStart"`
	}
}

// ResetRequest clears a counter for the current window.
type ResetRequest struct {
	Body CounterBody
}

// LogsRequest pages through stored counters.
type LogsRequest struct {
	Offset int `default:"0"  doc:"Records to skip"             minimum:"0" query:"offset"`
	Limit  int `default:"25" doc:"Page size, 0 uses 25"        maximum:"1000" minimum:"0" query:"limit"`
}

// LogsResponse lists counters newest window first.
type LogsResponse struct {
	Body struct {
		Records []abuse.Record `json:"records"`
	}
}

// CleanupRequest deletes counters older than a cutoff.
type CleanupRequest struct {
	Body struct {
		Before string `doc:"Cutoff as RFC 3339, '2006-01-02 15:04:05.000' or epoch seconds" example:"2024-01-01T00:00:00Z" json:"before" minLength:"1"`
	}
}

// CleanupResponse reports whether every expired counter is gone.
type CleanupResponse struct {
	Body struct {
		Complete bool `doc:"False when the cleanup stopped at its pass limit" json:"complete"`
	}
}

// CaptchaRequest carries a challenge token to verify.
type CaptchaRequest struct {
	Body struct {
		Provider string `doc:"Verification provider" enum:"recaptcha,hcaptcha,turnstile" json:"provider"`
		Response string `doc:"Token returned by the client widget"                        json:"response" minLength:"1"`
	}
}

// CaptchaResponse reports the verification outcome.
type CaptchaResponse struct {
	Body struct {
		Abusive bool `doc:"Whether the challenge failed" json:"abusive"`
	}
}
