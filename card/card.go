// Package card implements the signed agent card: its canonical JSON
// serialization, Ed25519 signature verification, and endpoint normalization.
// The canonical form is a wire format; field order is pinned and absent
// optional fields are rendered as explicit null so the bytes are identical
// across implementations.
package card

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Card is the self-described, signed agent metadata object.
type Card struct {
	DID          string          `json:"did"`
	Endpoint     string          `json:"endpoint"`
	PublicKey    string          `json:"publicKey"`
	Version      int             `json:"version"`
	Lineage      *string         `json:"lineage,omitempty"`
	Capabilities []Capability    `json:"capabilities"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Capability is one capability entry inside a card.
type Capability struct {
	ID           string          `json:"id"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	EmbeddingDim *int            `json:"embeddingDim,omitempty"`
}

// Canonicalize renders the card in its canonical form. Field order is
// did, endpoint, publicKey, version, lineage, capabilities, metadata; within
// a capability it is id, description, inputSchema, outputSchema,
// embeddingDim. Optional fields absent from the card become explicit null.
// Raw JSON fields (metadata, schemas) are compacted but otherwise preserved,
// which keeps map insertion order as provided by the client.
func Canonicalize(c *Card) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	if err := writeStringField(&buf, "did", c.DID, false); err != nil {
		return nil, err
	}
	if err := writeStringField(&buf, "endpoint", c.Endpoint, true); err != nil {
		return nil, err
	}
	if err := writeStringField(&buf, "publicKey", c.PublicKey, true); err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, `,"version":%d`, c.Version)

	buf.WriteString(`,"lineage":`)
	if c.Lineage == nil {
		buf.WriteString("null")
	} else if err := writeJSONString(&buf, *c.Lineage); err != nil {
		return nil, err
	}

	buf.WriteString(`,"capabilities":[`)
	for i := range c.Capabilities {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := canonicalizeCapability(&buf, &c.Capabilities[i]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(']')

	buf.WriteString(`,"metadata":`)
	if err := writeRawOrNull(&buf, c.Metadata); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func canonicalizeCapability(buf *bytes.Buffer, cp *Capability) error {
	buf.WriteByte('{')
	if err := writeStringField(buf, "id", cp.ID, false); err != nil {
		return err
	}
	if err := writeStringField(buf, "description", cp.Description, true); err != nil {
		return err
	}
	buf.WriteString(`,"inputSchema":`)
	if err := writeRawOrNull(buf, cp.InputSchema); err != nil {
		return err
	}
	buf.WriteString(`,"outputSchema":`)
	if err := writeRawOrNull(buf, cp.OutputSchema); err != nil {
		return err
	}
	buf.WriteString(`,"embeddingDim":`)
	if cp.EmbeddingDim == nil {
		buf.WriteString("null")
	} else {
		fmt.Fprintf(buf, "%d", *cp.EmbeddingDim)
	}
	buf.WriteByte('}')
	return nil
}

func writeStringField(buf *bytes.Buffer, name, value string, comma bool) error {
	if comma {
		buf.WriteByte(',')
	}
	fmt.Fprintf(buf, `"%s":`, name)
	return writeJSONString(buf, value)
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func writeRawOrNull(buf *bytes.Buffer, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		buf.WriteString("null")
		return nil
	}
	return json.Compact(buf, trimmed)
}

// Sign produces the base58-encoded detached Ed25519 signature over the
// canonical serialization. Used by tests and registration tooling.
func Sign(c *Card, priv ed25519.PrivateKey) (string, error) {
	payload, err := Canonicalize(c)
	if err != nil {
		return "", err
	}
	return base58.Encode(ed25519.Sign(priv, payload)), nil
}

// Verify checks the detached signature against the card's own publicKey over
// the canonical serialization. Decode failures and length mismatches report
// false, never an error.
func Verify(c *Card, signatureB58 string) bool {
	pub, err := base58.Decode(c.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base58.Decode(signatureB58)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	payload, err := Canonicalize(c)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// NormalizeEndpoint strips one trailing slash. Empty input normalizes to
// empty; no other URL canonicalization is applied.
func NormalizeEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if strings.HasSuffix(endpoint, "/") {
		return endpoint[:len(endpoint)-1]
	}
	return endpoint
}
