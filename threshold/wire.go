package threshold

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Messages and key material travel as deterministic CBOR arrays. Every
// encoding starts with a one-byte tag so a relay can route without knowing
// the payload type.

// MessageType tags an encoded protocol value.
type MessageType uint8

const (
	TypeCommitment MessageType = iota + 1
	TypeSigningPackage
	TypeSignatureShare
	TypeRound1Broadcast
	TypeRound1Share
	TypeRepairDelta
	TypeRepairSigma
	TypeGroup
	TypeKeyPackage
)

var (
	wireEnc cbor.EncMode
	wireDec cbor.DecMode
)

func init() {
	var err error
	wireEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	wireDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type MessageType
	Body cbor.RawMessage
}

type wireCommitment struct {
	_       struct{} `cbor:",toarray"`
	Session []byte
	ID      Identifier
	Hiding  []byte
	Binding []byte
}

type wireSigningPackage struct {
	_           struct{} `cbor:",toarray"`
	Session     []byte
	Message     []byte
	Commitments []wireCommitment
}

type wireShare struct {
	_       struct{} `cbor:",toarray"`
	Session []byte
	ID      Identifier
	Z       []byte
}

type wireBroadcast struct {
	_          struct{} `cbor:",toarray"`
	From       Identifier
	Commitment [][]byte
	ProofR     []byte
	ProofZ     []byte
}

type wireDKGShare struct {
	_     struct{} `cbor:",toarray"`
	From  Identifier
	To    Identifier
	Value []byte
}

type wireSigma struct {
	_     struct{} `cbor:",toarray"`
	From  Identifier
	Value []byte
}

type wireGroup struct {
	_            struct{} `cbor:",toarray"`
	Threshold    uint16
	Participants uint16
	PublicKey    []byte
	Shares       [][]byte // index i holds participant i+1
}

type wireKeyPackage struct {
	_      struct{} `cbor:",toarray"`
	ID     Identifier
	Secret []byte
	Group  wireGroup
}

func sessionBytes(id uuid.UUID) []byte { return id[:] }

func parseSession(b []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("threshold: session id: %w", err)
	}
	return id, nil
}

func (c Commitment) wire() wireCommitment {
	return wireCommitment{Session: sessionBytes(c.Session), ID: c.ID, Hiding: c.Hiding, Binding: c.Binding}
}

func (w wireCommitment) value() (Commitment, error) {
	s, err := parseSession(w.Session)
	if err != nil {
		return Commitment{}, err
	}
	return Commitment{Session: s, ID: w.ID, Hiding: w.Hiding, Binding: w.Binding}, nil
}

func (g *Group) wire() wireGroup {
	w := wireGroup{Threshold: g.Threshold, Participants: g.Participants, PublicKey: g.PublicKey.Bytes()}
	for _, id := range g.IDs() {
		w.Shares = append(w.Shares, g.Shares[id].Bytes())
	}
	return w
}

func (w wireGroup) value() (*Group, error) {
	pk, err := ParsePublicKey(w.PublicKey)
	if err != nil {
		return nil, err
	}
	g := &Group{Threshold: w.Threshold, Participants: w.Participants, PublicKey: pk, Shares: make(map[Identifier]PublicKey, len(w.Shares))}
	for i, b := range w.Shares {
		p, err := ParsePublicKey(b)
		if err != nil {
			return nil, fmt.Errorf("threshold: public share %d: %w", i+1, err)
		}
		g.Shares[Identifier(i+1)] = p
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Marshal encodes a protocol message or key material value. Accepted
// types: Commitment, *SigningPackage, SignatureShare, Round1Broadcast,
// Round1Share, RepairDelta, RepairSigma, *Group and *KeyPackage.
func Marshal(v any) ([]byte, error) {
	var (
		t    MessageType
		body any
	)
	switch m := v.(type) {
	case Commitment:
		t, body = TypeCommitment, m.wire()
	case *SigningPackage:
		w := wireSigningPackage{Session: sessionBytes(m.Session), Message: m.Message}
		for _, c := range m.Commitments {
			w.Commitments = append(w.Commitments, c.wire())
		}
		t, body = TypeSigningPackage, w
	case SignatureShare:
		t, body = TypeSignatureShare, wireShare{Session: sessionBytes(m.Session), ID: m.ID, Z: m.Z}
	case Round1Broadcast:
		t, body = TypeRound1Broadcast, wireBroadcast{From: m.From, Commitment: m.Commitment, ProofR: m.ProofR, ProofZ: m.ProofZ}
	case Round1Share:
		t, body = TypeRound1Share, wireDKGShare{From: m.From, To: m.To, Value: m.Value}
	case RepairDelta:
		t, body = TypeRepairDelta, wireDKGShare{From: m.From, To: m.To, Value: m.Value}
	case RepairSigma:
		t, body = TypeRepairSigma, wireSigma{From: m.From, Value: m.Value}
	case *Group:
		t, body = TypeGroup, m.wire()
	case *KeyPackage:
		if m.Secret == nil || m.Group == nil {
			return nil, errors.New("threshold: empty key package")
		}
		t, body = TypeKeyPackage, wireKeyPackage{ID: m.ID, Secret: encodeScalar(m.Secret), Group: m.Group.wire()}
	default:
		return nil, fmt.Errorf("threshold: cannot marshal %T", v)
	}
	raw, err := wireEnc.Marshal(body)
	if err != nil {
		return nil, err
	}
	return wireEnc.Marshal(envelope{Type: t, Body: raw})
}

// Unmarshal decodes a value produced by Marshal. The returned value has one
// of the concrete types Marshal accepts.
func Unmarshal(b []byte) (any, error) {
	var env envelope
	if err := wireDec.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("threshold: decode envelope: %w", err)
	}
	decode := func(dst any) error {
		if err := wireDec.Unmarshal(env.Body, dst); err != nil {
			return fmt.Errorf("threshold: decode message type %d: %w", env.Type, err)
		}
		return nil
	}
	switch env.Type {
	case TypeCommitment:
		var w wireCommitment
		if err := decode(&w); err != nil {
			return nil, err
		}
		return w.value()
	case TypeSigningPackage:
		var w wireSigningPackage
		if err := decode(&w); err != nil {
			return nil, err
		}
		s, err := parseSession(w.Session)
		if err != nil {
			return nil, err
		}
		p := &SigningPackage{Session: s, Message: w.Message}
		for _, wc := range w.Commitments {
			c, err := wc.value()
			if err != nil {
				return nil, err
			}
			p.Commitments = append(p.Commitments, c)
		}
		return p, nil
	case TypeSignatureShare:
		var w wireShare
		if err := decode(&w); err != nil {
			return nil, err
		}
		s, err := parseSession(w.Session)
		if err != nil {
			return nil, err
		}
		return SignatureShare{Session: s, ID: w.ID, Z: w.Z}, nil
	case TypeRound1Broadcast:
		var w wireBroadcast
		if err := decode(&w); err != nil {
			return nil, err
		}
		return Round1Broadcast{From: w.From, Commitment: w.Commitment, ProofR: w.ProofR, ProofZ: w.ProofZ}, nil
	case TypeRound1Share:
		var w wireDKGShare
		if err := decode(&w); err != nil {
			return nil, err
		}
		return Round1Share{From: w.From, To: w.To, Value: w.Value}, nil
	case TypeRepairDelta:
		var w wireDKGShare
		if err := decode(&w); err != nil {
			return nil, err
		}
		return RepairDelta{From: w.From, To: w.To, Value: w.Value}, nil
	case TypeRepairSigma:
		var w wireSigma
		if err := decode(&w); err != nil {
			return nil, err
		}
		return RepairSigma{From: w.From, Value: w.Value}, nil
	case TypeGroup:
		var w wireGroup
		if err := decode(&w); err != nil {
			return nil, err
		}
		return w.value()
	case TypeKeyPackage:
		var w wireKeyPackage
		if err := decode(&w); err != nil {
			return nil, err
		}
		g, err := w.Group.value()
		if err != nil {
			return nil, err
		}
		s, err := decodeScalar(w.Secret)
		if err != nil {
			return nil, err
		}
		kp := &KeyPackage{ID: w.ID, Secret: s, Group: g}
		if err := kp.Validate(); err != nil {
			return nil, err
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("threshold: unknown message type %d", env.Type)
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (g *Group) MarshalBinary() ([]byte, error) { return Marshal(g) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (g *Group) UnmarshalBinary(b []byte) error {
	v, err := Unmarshal(b)
	if err != nil {
		return err
	}
	got, ok := v.(*Group)
	if !ok {
		return fmt.Errorf("threshold: expected group, got %T", v)
	}
	*g = *got
	return nil
}

func (kp *KeyPackage) MarshalBinary() ([]byte, error) { return Marshal(kp) }

func (kp *KeyPackage) UnmarshalBinary(b []byte) error {
	v, err := Unmarshal(b)
	if err != nil {
		return err
	}
	got, ok := v.(*KeyPackage)
	if !ok {
		return fmt.Errorf("threshold: expected key package, got %T", v)
	}
	*kp = *got
	return nil
}
