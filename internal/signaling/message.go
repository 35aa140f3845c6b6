// Package signaling encodes the offer/answer/candidate messages exchanged
// over the radio relay before a data channel exists.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

// ErrMalformedMessage is returned for unknown kinds, missing required fields
// and text that is not a JSON object.
var ErrMalformedMessage = errors.New("malformed signaling message")

type Message struct {
	Kind      Kind
	SDP       string
	Candidate *webrtc.ICECandidateInit
}

// Envelope addresses a Message. From and To are optional on the wire.
type Envelope struct {
	From string
	To   string
	Message
}

func Offer(sdp string) Message  { return Message{Kind: KindOffer, SDP: sdp} }
func Answer(sdp string) Message { return Message{Kind: KindAnswer, SDP: sdp} }

func Candidate(c webrtc.ICECandidateInit) Message {
	return Message{Kind: KindCandidate, Candidate: &c}
}

// IsEcho reports whether the envelope was sent by local.
func (e Envelope) IsEcho(local string) bool {
	return e.From != "" && e.From == local
}

// Validate checks that the fields required by the kind are present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedMessage, m.Kind)
		}
	case KindCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without candidate", ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Kind)
	}
	return nil
}

type wireMessage struct {
	Type      Kind            `json:"type"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

// Encode renders e as the JSON text carried by the relay.
func Encode(e Envelope) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}

	w := wireMessage{Type: e.Kind, From: e.From, To: e.To}
	var err error
	switch e.Kind {
	case KindOffer, KindAnswer:
		w.SDP, err = json.Marshal(e.SDP)
	case KindCandidate:
		w.Candidate, err = json.Marshal(e.Candidate)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", e.Kind, err)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// Decode parses text produced by Encode. It also accepts sdp given as a
// {"type","sdp"} session description object and candidate given as a bare
// candidate string, which is what browser peers send.
func Decode(text string) (Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	e := Envelope{From: w.From, To: w.To, Message: Message{Kind: w.Type}}

	switch w.Type {
	case KindOffer, KindAnswer:
		sdp, err := decodeSDP(w.SDP)
		if err != nil {
			return Envelope{}, err
		}
		e.SDP = sdp
	case KindCandidate:
		c, err := decodeCandidate(w.Candidate)
		if err != nil {
			return Envelope{}, err
		}
		e.Candidate = c
	}

	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func decodeSDP(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	if raw[0] == '{' {
		var desc struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(raw, &desc); err != nil {
			return "", fmt.Errorf("%w: sdp: %v", ErrMalformedMessage, err)
		}
		return desc.SDP, nil
	}

	var sdp string
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return "", fmt.Errorf("%w: sdp: %v", ErrMalformedMessage, err)
	}
	return sdp, nil
}

func decodeCandidate(raw json.RawMessage) (*webrtc.ICECandidateInit, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: candidate: %v", ErrMalformedMessage, err)
		}
		return &webrtc.ICECandidateInit{Candidate: s}, nil
	}

	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: candidate: %v", ErrMalformedMessage, err)
	}
	return &c, nil
}
