// Package magicenv produces and consumes Salmon magic envelopes.
package magicenv

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"ostatus/internal/activity"
	"ostatus/internal/magicsig"
)

const (
	NS          = "http://salmon-protocol.org/ns/magic-env"
	Encoding    = "base64url"
	ContentType = "application/magic-envelope+xml"
)

var (
	ErrMalformedEnvelope      = errors.New("malformed magic envelope")
	ErrUnsupportedPayloadType = errors.New("unsupported payload type")
)

// Signer is the private half of a magic key.
type Signer interface {
	Sign(data []byte) (string, error)
	Algorithm() string
}

// KeyLookup resolves the public key of the envelope's claimed signer. It may
// go to the network.
type KeyLookup func(ctx context.Context) (*magicsig.Key, error)

// Envelope is a signed payload. Data and Sig hold base64url text.
type Envelope struct {
	Data     string
	DataType string
	Encoding string
	Alg      string
	Sig      string
	// KeyID is the optional key_id hint on the signature.
	KeyID string
}

// Sign wraps payload and signs it with key.
func Sign(payload []byte, dataType string, key Signer) (*Envelope, error) {
	env := &Envelope{
		Data:     magicsig.EncodeBase64URL(payload),
		DataType: dataType,
		Encoding: Encoding,
		Alg:      key.Algorithm(),
	}
	sig, err := key.Sign([]byte(env.SigningText()))
	if err != nil {
		return nil, err
	}
	env.Sig = sig
	return env, nil
}

// SigningText is the string the signature covers.
func (e *Envelope) SigningText() string {
	return strings.Join([]string{
		e.Data,
		magicsig.EncodeBase64URL([]byte(e.DataType)),
		magicsig.EncodeBase64URL([]byte(e.Encoding)),
		magicsig.EncodeBase64URL([]byte(e.Alg)),
	}, ".")
}

// ToXML serializes the envelope as an me:env document.
func (e *Envelope) ToXML() []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<me:env xmlns:me="` + NS + `">`)
	b.WriteString(`<me:data type="`)
	xml.EscapeText(&b, []byte(e.DataType))
	b.WriteString(`">`)
	xml.EscapeText(&b, []byte(e.Data))
	b.WriteString(`</me:data><me:encoding>`)
	xml.EscapeText(&b, []byte(e.Encoding))
	b.WriteString(`</me:encoding><me:alg>`)
	xml.EscapeText(&b, []byte(e.Alg))
	b.WriteString(`</me:alg>`)
	if e.KeyID != "" {
		b.WriteString(`<me:sig key_id="`)
		xml.EscapeText(&b, []byte(e.KeyID))
		b.WriteString(`">`)
	} else {
		b.WriteString(`<me:sig>`)
	}
	xml.EscapeText(&b, []byte(e.Sig))
	b.WriteString(`</me:sig></me:env>`)
	return b.Bytes()
}

type xmlEnvelope struct {
	Data *struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"data"`
	Encoding *string `xml:"encoding"`
	Alg      *string `xml:"alg"`
	Sig      *struct {
		KeyID string `xml:"key_id,attr"`
		Value string `xml:",chardata"`
	} `xml:"sig"`
}

// Parse finds an me:env element anywhere in doc, or failing that an
// me:provenance element, and reads the envelope from it.
func Parse(doc []byte) (*Envelope, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var provenance *xmlEnvelope
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Space != NS {
			continue
		}
		switch se.Name.Local {
		case "env":
			var x xmlEnvelope
			if err := dec.DecodeElement(&x, &se); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
			}
			return fromXML(&x)
		case "provenance":
			if provenance == nil {
				var x xmlEnvelope
				if err := dec.DecodeElement(&x, &se); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
				}
				provenance = &x
			}
		}
	}
	if provenance != nil {
		return fromXML(provenance)
	}
	return nil, fmt.Errorf("%w: no me:env or me:provenance element", ErrMalformedEnvelope)
}

func fromXML(x *xmlEnvelope) (*Envelope, error) {
	switch {
	case x.Data == nil:
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	case x.Encoding == nil:
		return nil, fmt.Errorf("%w: missing encoding", ErrMalformedEnvelope)
	case x.Alg == nil:
		return nil, fmt.Errorf("%w: missing alg", ErrMalformedEnvelope)
	case x.Sig == nil:
		return nil, fmt.Errorf("%w: missing sig", ErrMalformedEnvelope)
	}
	return &Envelope{
		Data:     stripSpace(x.Data.Value),
		DataType: strings.TrimSpace(x.Data.Type),
		Encoding: strings.TrimSpace(*x.Encoding),
		Alg:      strings.TrimSpace(*x.Alg),
		Sig:      stripSpace(x.Sig.Value),
		KeyID:    strings.TrimSpace(x.Sig.KeyID),
	}, nil
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// Verify checks the signature with the key returned by lookup. Envelopes
// using another algorithm or encoding are rejected without calling lookup.
// A signature mismatch is reported as false with a nil error.
func (e *Envelope) Verify(ctx context.Context, lookup KeyLookup) (bool, error) {
	if e.Alg != magicsig.AlgRSASHA256 || e.Encoding != Encoding {
		return false, nil
	}
	key, err := lookup(ctx)
	if err != nil {
		return false, err
	}
	return key.Verify([]byte(e.SigningText()), e.Sig)
}

// RawPayload decodes the signed data.
func (e *Envelope) RawPayload() ([]byte, error) {
	raw, err := magicsig.DecodeBase64URL(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64url: %v", ErrMalformedEnvelope, err)
	}
	return raw, nil
}

// Payload decodes and parses the signed Atom entry.
func (e *Envelope) Payload() (*activity.Entry, error) {
	if mediaType(e.DataType) != activity.AtomContentType {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPayloadType, e.DataType)
	}
	raw, err := e.RawPayload()
	if err != nil {
		return nil, err
	}
	entry, err := activity.ParseEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPayloadType, err)
	}
	return entry, nil
}

func mediaType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}
