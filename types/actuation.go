package types

import "fmt"

// ResponseKind tags an ActuationResponse variant.
type ResponseKind uint8

const (
	// ResponseSuccess means the actuation was applied.
	ResponseSuccess ResponseKind = iota
	// ResponseIgnored means the request was understood but not applicable.
	ResponseIgnored
	// ResponseNoResponse means fire-and-forget semantics, a timeout, or
	// cancellation; the requester learns nothing about the outcome.
	ResponseNoResponse
	// ResponseBadRequest means an unknown device/actuator or a wrong value tag.
	ResponseBadRequest
	// ResponseActuatorError means the driver rejected or failed the request.
	ResponseActuatorError
)

// String returns the string representation of a ResponseKind.
func (k ResponseKind) String() string {
	switch k {
	case ResponseSuccess:
		return "success"
	case ResponseIgnored:
		return "ignored"
	case ResponseNoResponse:
		return "no_response"
	case ResponseBadRequest:
		return "bad_request"
	case ResponseActuatorError:
		return "actuator_error"
	default:
		return "unknown"
	}
}

// ActuationResponse is the outcome of dispatching a FullActuatorData to a
// driver, locally or across the swarm.
type ActuationResponse struct {
	Kind ResponseKind
	// Reason is set for BadRequest.
	Reason string
	// Code and Description are set for ActuatorError.
	Code        int64
	Description string
}

// Success returns the applied-successfully response.
func Success() ActuationResponse {
	return ActuationResponse{Kind: ResponseSuccess}
}

// Ignored returns the known-but-inapplicable response.
func Ignored() ActuationResponse {
	return ActuationResponse{Kind: ResponseIgnored}
}

// NoResponse returns the nothing-observed response.
func NoResponse() ActuationResponse {
	return ActuationResponse{Kind: ResponseNoResponse}
}

// BadRequest returns a malformed-request response with the given reason.
func BadRequest(reason string) ActuationResponse {
	return ActuationResponse{Kind: ResponseBadRequest, Reason: reason}
}

// ActuatorError returns a driver-failure response.
func ActuatorError(code int64, description string) ActuationResponse {
	return ActuationResponse{Kind: ResponseActuatorError, Code: code, Description: description}
}

// String renders the response for logs.
func (r ActuationResponse) String() string {
	switch r.Kind {
	case ResponseBadRequest:
		return fmt.Sprintf("bad_request: %s", r.Reason)
	case ResponseActuatorError:
		return fmt.Sprintf("actuator_error %d: %s", r.Code, r.Description)
	default:
		return r.Kind.String()
	}
}
