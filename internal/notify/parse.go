// Package notify parses completion notifications pushed by the analysis
// engine. Parsing is pure: no I/O, no side effects, the same bytes always
// yield the same result.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/policyreviewer/pipeline/constants"
	"github.com/policyreviewer/pipeline/internal/common"
)

// Completion is the parsed form of an engine completion notification.
type Completion struct {
	JobID  string
	Status constants.JobStatus
	// SourceKey is the engine's echo of the analyzed document key.
	// Best-effort: engines may omit it, leaving it empty.
	SourceKey string
	// RawStatus preserves the engine's literal status string for logging.
	RawStatus string
}

// envelope is the transport wrapper some delivery channels add around the
// engine's message. The inner message arrives as an escaped JSON string.
type envelope struct {
	Records []struct {
		Sns struct {
			Message string `json:"Message"`
		} `json:"Sns"`
	} `json:"Records"`
}

type message struct {
	JobID            string `json:"JobId"`
	Status           string `json:"Status"`
	API              string `json:"API"`
	DocumentLocation struct {
		ObjectName string `json:"ObjectName"`
	} `json:"DocumentLocation"`
}

// Parse decodes a completion notification. It accepts either the transport
// envelope or a bare engine message; the inner message must carry a
// non-empty JobId. Unrecognized statuses normalize to Unknown rather than
// failing: an unknown status is a decision for the caller, not a parse
// error.
func Parse(raw []byte) (Completion, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Completion{}, fmt.Errorf("%w: empty body", common.ErrMalformedNotification)
	}

	inner := raw
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Records) > 0 {
		if env.Records[0].Sns.Message == "" {
			return Completion{}, fmt.Errorf("%w: envelope record has no message", common.ErrMalformedNotification)
		}
		inner = []byte(env.Records[0].Sns.Message)
	}

	if err := validateAgainstSchema(BuildCompletionSchema(), inner); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", common.ErrMalformedNotification, err)
	}

	var msg message
	if err := json.Unmarshal(inner, &msg); err != nil {
		return Completion{}, fmt.Errorf("%w: decode message: %v", common.ErrMalformedNotification, err)
	}

	return Completion{
		JobID:     msg.JobID,
		Status:    constants.NormalizeStatus(msg.Status),
		SourceKey: msg.DocumentLocation.ObjectName,
		RawStatus: msg.Status,
	}, nil
}
