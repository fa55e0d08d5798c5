package colibri

import (
	"errors"
	"fmt"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// FailureReason classifies why a bridge operation failed. It drives the
// recovery policy: who gets re-invited and whether the bridge is marked
// faulty.
type FailureReason string

const (
	// ReasonSelectionFailed: no candidate bridge existed.
	ReasonSelectionFailed FailureReason = "bridge-selection-failed"
	// ReasonGracefulShutdown: the bridge refused a new conference because it
	// is shutting down.
	ReasonGracefulShutdown FailureReason = "bridge-in-graceful-shutdown"
	// ReasonConferenceNotFound: the bridge expired the conference out from
	// under us.
	ReasonConferenceNotFound FailureReason = "conference-not-found"
	// ReasonBadRequest: our request was structurally wrong for the bridge.
	ReasonBadRequest FailureReason = "bad-request"
	// ReasonTimeout: no response within the deadline.
	ReasonTimeout FailureReason = "timeout"
	// ReasonParsing: the response was malformed.
	ReasonParsing FailureReason = "parsing"
	// ReasonGeneric: an error stanza with an unrecognized condition.
	ReasonGeneric FailureReason = "generic"
)

// AllocationError is the typed failure of any bridge operation.
type AllocationError struct {
	Reason FailureReason
	Bridge xmpp.JID
	Cause  error
}

func (e *AllocationError) Error() string {
	msg := fmt.Sprintf("colibri %s", e.Reason)
	if e.Bridge != "" {
		msg += fmt.Sprintf(" (bridge %s)", e.Bridge)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AllocationError) Unwrap() error {
	return e.Cause
}

// MarksBridgeFaulty reports whether the failure says something about the
// bridge rather than about our request: such bridges leave selection until
// an allocation succeeds against them.
func (e *AllocationError) MarksBridgeFaulty() bool {
	switch e.Reason {
	case ReasonTimeout, ReasonParsing, ReasonGeneric:
		return true
	default:
		return false
	}
}

// RemovesSession reports whether the whole bridge session is beyond saving
// and its participants need re-inviting elsewhere.
func (e *AllocationError) RemovesSession() bool {
	switch e.Reason {
	case ReasonConferenceNotFound, ReasonGracefulShutdown, ReasonTimeout, ReasonParsing, ReasonGeneric:
		return true
	default:
		return false
	}
}

// AsAllocationError unwraps err into an AllocationError when it is one.
func AsAllocationError(err error) (*AllocationError, bool) {
	var ae *AllocationError
	ok := errors.As(err, &ae)
	return ae, ok
}

// classifyResponse turns the outcome of a bridge round-trip into a typed
// failure, or nil on success. The application reason element distinguishes a
// bridge's own item-not-found (conference gone) from an intermediary's
// (bridge unreachable).
func classifyResponse(bridge xmpp.JID, resp *xmpp.IQ, err error) *AllocationError {
	if err != nil {
		if errors.Is(err, xmpp.ErrRequestTimeout) {
			return &AllocationError{Reason: ReasonTimeout, Bridge: bridge, Cause: err}
		}
		return &AllocationError{Reason: ReasonGeneric, Bridge: bridge, Cause: err}
	}
	if resp == nil {
		return &AllocationError{Reason: ReasonTimeout, Bridge: bridge}
	}
	if !resp.IsError() {
		return nil
	}

	condition := resp.Error.Condition()
	reason, fromBridge := resp.Error.Reason(NSColibri2)
	switch condition {
	case xmpp.CondBadRequest:
		return &AllocationError{Reason: ReasonBadRequest, Bridge: bridge,
			Cause: fmt.Errorf("bridge rejected request: %s", resp.Error.Text())}
	case xmpp.CondItemNotFound:
		if fromBridge && reason == ReasonElementConferenceNotFound {
			return &AllocationError{Reason: ReasonConferenceNotFound, Bridge: bridge}
		}
		// Not the bridge speaking: the bridge itself is unreachable.
		return &AllocationError{Reason: ReasonGeneric, Bridge: bridge,
			Cause: errors.New("bridge unreachable")}
	case xmpp.CondServiceUnavailable:
		if fromBridge && reason == ReasonElementGracefulShutdown {
			return &AllocationError{Reason: ReasonGracefulShutdown, Bridge: bridge}
		}
		return &AllocationError{Reason: ReasonGeneric, Bridge: bridge,
			Cause: fmt.Errorf("service-unavailable: %s", resp.Error.Text())}
	default:
		return &AllocationError{Reason: ReasonGeneric, Bridge: bridge,
			Cause: fmt.Errorf("condition %q: %s", condition, resp.Error.Text())}
	}
}
