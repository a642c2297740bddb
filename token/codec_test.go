package token

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannelID = -1002279496397

func TestRoundTrip(t *testing.T) {
	c := Codec{ChannelID: testChannelID}

	refs := []Reference{
		Single(1),
		Single(42),
		Single(999999),
		Range(10, 14),
		Range(14, 10),
		Range(5, 5),
		Range(1, 200),
	}
	for _, ref := range refs {
		tok := c.Encode(ref)
		got, err := c.Decode(tok)
		require.NoError(t, err, "token %q", tok)
		assert.Equal(t, ref, got, "token %q", tok)
	}
}

func TestEncodeInjective(t *testing.T) {
	c := Codec{ChannelID: testChannelID}
	seen := map[string]Reference{}
	refs := []Reference{Single(1), Single(2), Range(1, 2), Range(2, 1), Range(1, 1)}
	for _, ref := range refs {
		tok := c.Encode(ref)
		if prev, dup := seen[tok]; dup {
			t.Fatalf("token %q produced by both %+v and %+v", tok, prev, ref)
		}
		seen[tok] = ref
	}
}

func TestEncodeURLSafeNoPadding(t *testing.T) {
	c := Codec{ChannelID: testChannelID}
	for _, ref := range []Reference{Single(7), Range(100, 250)} {
		tok := c.Encode(ref)
		for _, r := range tok {
			ok := r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				t.Fatalf("token %q contains non URL-safe rune %q", tok, r)
			}
		}
	}
}

func TestDecodeToleratesPadding(t *testing.T) {
	c := Codec{ChannelID: testChannelID}
	ref := Range(3, 9)
	tok := c.Encode(ref) + "=="

	got, err := c.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestDecodeMalformed(t *testing.T) {
	c := Codec{ChannelID: testChannelID}

	cases := map[string]string{
		"bad_charset":        "!!not-base64!!",
		"binary_payload":     base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x02, 0xff}),
		"one_field":          base64.RawURLEncoding.EncodeToString([]byte("get")),
		"four_fields":        base64.RawURLEncoding.EncodeToString([]byte("get-1-2-3")),
		"non_numeric_id":     base64.RawURLEncoding.EncodeToString([]byte("get-abc")),
		"foreign_scaled_id":  base64.RawURLEncoding.EncodeToString([]byte("get-12345")),
		"empty_token":        "",
		"plain_text_payload": base64.RawURLEncoding.EncodeToString([]byte("hello world")),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(tok)
			require.Error(t, err)
			var derr *DecodeError
			assert.ErrorAs(t, err, &derr)
		})
	}
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name string
		ref  Reference
		want []int64
	}{
		{"single", Single(5), []int64{5}},
		{"ascending", Range(10, 14), []int64{10, 11, 12, 13, 14}},
		{"descending", Range(14, 10), []int64{14, 13, 12, 11, 10}},
		{"degenerate_range", Range(5, 5), []int64{5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Expand())
		})
	}
}

func TestRangeOfOneDeliversExactlyThatID(t *testing.T) {
	c := Codec{ChannelID: testChannelID}
	got, err := c.Decode(c.Encode(Range(5, 5)))
	require.NoError(t, err)
	assert.Equal(t, KindRange, got.Kind)
	assert.Equal(t, []int64{5}, got.Expand())
}
