package domain

import "fmt"

// Status is the delivery state of a message on one recipient device. Values
// are ordered; a record only ever moves to a larger value.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusSeen
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) Valid() bool { return s >= StatusSending && s <= StatusSeen }

func ParseStatus(v string) (Status, error) {
	switch v {
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "seen":
		return StatusSeen, nil
	}
	return 0, fmt.Errorf("unknown delivery status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid delivery status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
