package lifecycle

import "fmt"

// Action names one independent sub-action of a lifecycle event.
type Action string

const (
	ActionChannelMessage Action = "channel_message"
	ActionDirectMessage  Action = "direct_message"
	ActionRoleGrant      Action = "role_grant"
	ActionLeaveMessage   Action = "leave_message"
)

// ValidationError means the stored configuration for one sub-action cannot be delivered as is,
// for example an unparsable channel id or an unknown message type.
type ValidationError struct {
	Action Action
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("welcome %s: invalid configuration: %v", e.Action, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// DeliveryError means the platform rejected or failed a request made by one sub-action.
type DeliveryError struct {
	Action Action
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("welcome %s: delivery failed: %v", e.Action, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
