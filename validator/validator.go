// Package validator decides whether an announced upload is acceptable.
// The metadata blob stays opaque to the rest of the server; only the
// validator ever looks inside it.
package validator

import "fmt"

// Reject is a permanent refusal. The upload is terminated with the
// carried code and message.
type Reject struct {
	Code uint32
	Msg  string
}

func (e *Reject) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Code, e.Msg)
}

// Transient is a temporary refusal. The client may retry later.
type Transient struct {
	Msg string
}

func (e *Transient) Error() string {
	return "try again later: " + e.Msg
}

// Validator approves or refuses an upload from its filename and parsed
// metadata. A nil return approves.
type Validator interface {
	Validate(filename string, meta map[string]interface{}) error
}

// RequiredKeys refuses metadata that lacks any of the configured keys.
type RequiredKeys struct {
	Keys []string
}

// Validate checks every required key is present.
func (v *RequiredKeys) Validate(filename string, meta map[string]interface{}) error {
	for _, key := range v.Keys {
		if _, ok := meta[key]; !ok {
			return &Reject{Code: 403, Msg: "missing required metadata field: " + key}
		}
	}
	return nil
}

// AcceptAll approves everything. Used when no rules are configured.
type AcceptAll struct{}

func (AcceptAll) Validate(string, map[string]interface{}) error {
	return nil
}
