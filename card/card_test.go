package card

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base58.Encode(pub), priv
}

func TestCanonicalizeVector(t *testing.T) {
	dim := 384
	lineage := "did:sage:old"
	tests := []struct {
		name string
		card Card
		want string
	}{
		{
			name: "all optionals absent",
			card: Card{
				DID:       "did:sage:alice",
				Endpoint:  "https://alice.example.com",
				PublicKey: "pk",
				Version:   1,
				Capabilities: []Capability{
					{ID: "echo", Description: "Echo text"},
				},
			},
			want: `{"did":"did:sage:alice","endpoint":"https://alice.example.com",` +
				`"publicKey":"pk","version":1,"lineage":null,"capabilities":[` +
				`{"id":"echo","description":"Echo text","inputSchema":null,` +
				`"outputSchema":null,"embeddingDim":null}],"metadata":null}`,
		},
		{
			name: "all optionals set, metadata order preserved",
			card: Card{
				DID:       "did:sage:bob",
				Endpoint:  "https://bob.example.com",
				PublicKey: "pk2",
				Version:   3,
				Lineage:   &lineage,
				Capabilities: []Capability{
					{
						ID:           "translate",
						Description:  "Translate text",
						InputSchema:  json.RawMessage(`{"type": "string"}`),
						OutputSchema: json.RawMessage(`{"type": "string"}`),
						EmbeddingDim: &dim,
					},
				},
				Metadata: json.RawMessage(`{"z": 1, "a": 2}`),
			},
			want: `{"did":"did:sage:bob","endpoint":"https://bob.example.com",` +
				`"publicKey":"pk2","version":3,"lineage":"did:sage:old","capabilities":[` +
				`{"id":"translate","description":"Translate text",` +
				`"inputSchema":{"type":"string"},"outputSchema":{"type":"string"},` +
				`"embeddingDim":384}],"metadata":{"z":1,"a":2}}`,
		},
		{
			name: "explicit json null raw fields render as null",
			card: Card{
				DID:       "did:sage:carol",
				Endpoint:  "https://carol.example.com",
				PublicKey: "pk3",
				Version:   1,
				Capabilities: []Capability{
					{ID: "a", Description: "b", OutputSchema: json.RawMessage(`null`)},
				},
				Metadata: json.RawMessage(`null`),
			},
			want: `{"did":"did:sage:carol","endpoint":"https://carol.example.com",` +
				`"publicKey":"pk3","version":1,"lineage":null,"capabilities":[` +
				`{"id":"a","description":"b","inputSchema":null,` +
				`"outputSchema":null,"embeddingDim":null}],"metadata":null}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(&tt.card)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalizeStable(t *testing.T) {
	c := Card{
		DID: "did:sage:x", Endpoint: "https://x", PublicKey: "pk", Version: 1,
		Capabilities: []Capability{{ID: "a", Description: "b"}},
	}
	first, err := Canonicalize(&c)
	require.NoError(t, err)
	second, err := Canonicalize(&c)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	c := Card{
		DID: "did:sage:alice", Endpoint: "https://alice.example.com",
		PublicKey: pub, Version: 1,
		Capabilities: []Capability{{ID: "echo", Description: "Echo text"}},
	}

	sig, err := Sign(&c, priv)
	require.NoError(t, err)
	assert.True(t, Verify(&c, sig))
}

func TestVerifyTamperedCard(t *testing.T) {
	pub, priv := testKeyPair(t)
	c := Card{
		DID: "did:sage:alice", Endpoint: "https://alice.example.com",
		PublicKey: pub, Version: 1,
		Capabilities: []Capability{{ID: "echo", Description: "Echo text"}},
	}
	sig, err := Sign(&c, priv)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Card)
	}{
		{"did changed", func(c *Card) { c.DID = "did:sage:mallory" }},
		{"endpoint changed", func(c *Card) { c.Endpoint = "https://evil.example.com" }},
		{"version bumped", func(c *Card) { c.Version = 2 }},
		{"description changed", func(c *Card) { c.Capabilities[0].Description = "Echo all text" }},
		{"capability appended", func(c *Card) {
			c.Capabilities = append(c.Capabilities, Capability{ID: "x", Description: "y"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := c
			mutated.Capabilities = append([]Capability(nil), c.Capabilities...)
			tt.mutate(&mutated)
			assert.False(t, Verify(&mutated, sig))
		})
	}
}

func TestVerifyDecodeFailures(t *testing.T) {
	pub, priv := testKeyPair(t)
	c := Card{
		DID: "did:sage:alice", Endpoint: "https://a", PublicKey: pub, Version: 1,
		Capabilities: []Capability{{ID: "echo", Description: "Echo"}},
	}
	sig, err := Sign(&c, priv)
	require.NoError(t, err)

	// Invalid base58 signature.
	assert.False(t, Verify(&c, "0OIl not base58"))
	// Signature of the wrong length.
	assert.False(t, Verify(&c, "3mJr"))

	// Public key that is not base58.
	bad := c
	bad.PublicKey = "0OIl"
	assert.False(t, Verify(&bad, sig))
	// Public key of the wrong length.
	bad.PublicKey = base58.Encode([]byte{1, 2, 3})
	assert.False(t, Verify(&bad, sig))
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"http://h", "http://h"},
		{"http://h/", "http://h"},
		{"http://h//", "http://h/"},
		{"http://h/path/", "http://h/path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEndpoint(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeEndpointIdempotent(t *testing.T) {
	for _, in := range []string{"", "http://h", "http://h/", "http://h/path/"} {
		once := NormalizeEndpoint(in)
		assert.Equal(t, once, NormalizeEndpoint(once), "input %q", in)
	}
}
