package fog

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoMessage builds a Message whose payload is the wire encoding of m.
func ProtoMessage(domain, kind int32, m proto.Message) (Message, error) {
	payload, err := proto.Marshal(m)
	if err != nil {
		return Message{}, fmt.Errorf("could not marshal %s: %w", m.ProtoReflect().Descriptor().FullName(), err)
	}
	return Message{Domain: domain, Type: kind, Payload: payload}, nil
}

// UnmarshalPayload decodes a payload received by a Handler into m.
func UnmarshalPayload(payload []byte, m proto.Message) error {
	if err := proto.Unmarshal(payload, m); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}
