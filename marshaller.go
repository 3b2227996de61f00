package fog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	envelopeVersion = 1

	flagSigned = 0x01

	envelopeHeaderSize = 2 + len(NodeID{})
)

const (
	fieldDomain    protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldSignature protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldSeq       protowire.Number = 5
)

// Envelope is the unit exchanged between nodes.
//
// Authentic is never transmitted: it is computed by the receiving
// Marshaller. An Envelope which is not authentic is neither dispatched nor
// forwarded.
type Envelope struct {
	Source    NodeID
	Seq       uint64
	Authentic bool
	Signature []byte
	Domain    int32
	Type      int32
	Payload   []byte
}

// Marshaller encodes envelopes on behalf of one node and authenticates the
// envelopes it decodes with a shared username and secret.
type Marshaller struct {
	id       NodeID
	username []byte
	secret   []byte
	seq      atomic.Uint64
}

func NewMarshaller(id NodeID, username, secret string) *Marshaller {
	m := &Marshaller{
		id:       id,
		username: []byte(username),
		secret:   []byte(secret),
	}
	// Sequences restart from the clock so a restarted node is not mistaken
	// for a replay of its former self.
	m.seq.Store(uint64(time.Now().UnixNano()))
	return m
}

// Marshal signs env and returns its wire body. A zero Source is replaced by
// the Marshaller's own identity and a zero Seq by the next local sequence
// number; both are written back into env.
func (m *Marshaller) Marshal(env *Envelope) ([]byte, error) {
	if env.Source.IsZero() {
		env.Source = m.id
	}
	if env.Seq == 0 {
		env.Seq = m.seq.Add(1)
	}

	header := [2]byte{envelopeVersion, flagSigned}
	env.Signature = m.sign(header, env)

	size := envelopeHeaderSize +
		protowire.SizeTag(fieldDomain) + protowire.SizeVarint(protowire.EncodeZigZag(int64(env.Domain))) +
		protowire.SizeTag(fieldType) + protowire.SizeVarint(protowire.EncodeZigZag(int64(env.Type))) +
		protowire.SizeTag(fieldSeq) + protowire.SizeVarint(env.Seq) +
		protowire.SizeTag(fieldSignature) + protowire.SizeBytes(len(env.Signature)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(env.Payload))
	if size > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, size)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, header[:]...)
	buf = append(buf, env.Source[:]...)
	buf = protowire.AppendTag(buf, fieldDomain, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(env.Domain)))
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(env.Type)))
	buf = protowire.AppendTag(buf, fieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, env.Seq)
	buf = protowire.AppendTag(buf, fieldSignature, protowire.BytesType)
	buf = protowire.AppendBytes(buf, env.Signature)
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, env.Payload)
	return buf, nil
}

// Unmarshal decodes a wire body. Malformed input yields an error, never a
// partially decoded envelope. Authentic is set when the signature matches
// the configured credentials.
func (m *Marshaller) Unmarshal(body []byte) (*Envelope, error) {
	if len(body) < envelopeHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedEnvelope, len(body))
	}

	header := [2]byte{body[0], body[1]}
	if header[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[0])
	}

	env := &Envelope{}
	copy(env.Source[:], body[2:envelopeHeaderSize])

	b := body[envelopeHeaderSize:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDomain && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			env.Domain = int32(protowire.DecodeZigZag(v))
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			env.Type = int32(protowire.DecodeZigZag(v))
		case num == fieldSeq && typ == protowire.VarintType:
			env.Seq, n = protowire.ConsumeVarint(b)
		case num == fieldSignature && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			env.Signature = append([]byte(nil), v...)
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			env.Payload = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %w", ErrMalformedEnvelope, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if header[1]&flagSigned != 0 && len(env.Signature) == sha256.Size {
		env.Authentic = hmac.Equal(env.Signature, m.sign(header, env))
	}
	return env, nil
}

func (m *Marshaller) sign(header [2]byte, env *Envelope) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(m.username)
	mac.Write([]byte{0})
	mac.Write(header[:])
	mac.Write(env.Source[:])

	var scratch [3 * binary.MaxVarintLen64]byte
	fields := binary.AppendUvarint(scratch[:0], protowire.EncodeZigZag(int64(env.Domain)))
	fields = binary.AppendUvarint(fields, protowire.EncodeZigZag(int64(env.Type)))
	fields = binary.AppendUvarint(fields, env.Seq)
	mac.Write(fields)
	mac.Write(env.Payload)
	return mac.Sum(nil)
}
