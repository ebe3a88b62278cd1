package permission

import "context"

// Status is the microphone authorization state as the host reports it.
type Status int

const (
	Undetermined Status = iota
	Denied
	Granted
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "undetermined"
	}
}

// Provider answers microphone permission questions for the host platform.
// Request may show a system prompt, so it takes a context.
type Provider interface {
	Microphone(ctx context.Context) (Status, error)
	RequestMicrophone(ctx context.Context) (Status, error)
}

// Static always reports a fixed status. Hosts without a permission model
// use Static(Granted).
type Static Status

func (s Static) Microphone(ctx context.Context) (Status, error) {
	return Status(s), nil
}

func (s Static) RequestMicrophone(ctx context.Context) (Status, error) {
	return Status(s), nil
}
