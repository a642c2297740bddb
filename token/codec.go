// Package token implements the reversible mapping between shareable start
// parameters and references into the archive channel. A reference addresses
// either a single archived message or an inclusive id range; the encoded form
// is URL-safe and carries no padding so it survives deep-link transport.
package token

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// payloadPrefix is the discriminator carried as the first field of every
// encoded payload. Links minted by older deployments use the same prefix.
const payloadPrefix = "get"

// Kind discriminates the two reference shapes.
type Kind int

const (
	// KindSingle addresses exactly one archived message.
	KindSingle Kind = iota
	// KindRange addresses an inclusive id range, in either direction.
	KindRange
)

// Reference is a structured pointer into the archive channel.
// For KindSingle only Start is meaningful.
type Reference struct {
	Kind  Kind
	Start int64
	End   int64
}

// Single returns a reference to one archived message.
func Single(id int64) Reference { return Reference{Kind: KindSingle, Start: id} }

// Range returns a reference to the inclusive range [start,end]. The range may
// run in either direction; start == end is valid and denotes one message.
func Range(start, end int64) Reference { return Reference{Kind: KindRange, Start: start, End: end} }

// Expand returns the exact ordered id sequence the reference addresses.
// Descending ranges expand high-to-low.
func (r Reference) Expand() []int64 {
	if r.Kind == KindSingle {
		return []int64{r.Start}
	}
	if r.Start <= r.End {
		ids := make([]int64, 0, r.End-r.Start+1)
		for id := r.Start; id <= r.End; id++ {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]int64, 0, r.Start-r.End+1)
	for id := r.Start; id >= r.End; id-- {
		ids = append(ids, id)
	}
	return ids
}

// DecodeError reports a malformed or corrupted token. Handlers must not leak
// the detail to end users; it is for logs only.
type DecodeError struct {
	Token  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode token %q: %s", e.Token, e.Reason)
}

// Codec converts between tokens and references for one archive channel.
// Message ids are scaled by the channel's numeric magnitude before encoding,
// which keeps tokens short and ties them to the channel they were minted for.
type Codec struct {
	// ChannelID is the archive channel identifier (a negative value as
	// assigned by the platform). Its absolute value is the scale factor.
	ChannelID int64
}

func (c Codec) scale() int64 {
	if c.ChannelID < 0 {
		return -c.ChannelID
	}
	return c.ChannelID
}

// Encode serializes a reference into a shareable token. Encoding is injective
// over valid references: distinct references yield distinct tokens.
func (c Codec) Encode(ref Reference) string {
	var payload string
	switch ref.Kind {
	case KindRange:
		payload = fmt.Sprintf("%s-%d-%d", payloadPrefix, ref.Start*c.scale(), ref.End*c.scale())
	default:
		payload = fmt.Sprintf("%s-%d", payloadPrefix, ref.Start*c.scale())
	}
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// Decode reverses Encode. It tolerates tokens that carry stray padding (older
// links were minted with stripped '=' characters and are sometimes pasted back
// with them) and returns *DecodeError for anything that does not round-trip to
// a valid reference.
func (c Codec) Decode(tok string) (Reference, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(tok, "="))
	if err != nil {
		return Reference{}, &DecodeError{Token: tok, Reason: "not base64url"}
	}
	payload := string(raw)
	for _, r := range payload {
		if r < 0x20 || r > 0x7e {
			return Reference{}, &DecodeError{Token: tok, Reason: "payload is not printable text"}
		}
	}
	fields := strings.Split(payload, "-")
	switch len(fields) {
	case 2:
		id, err := c.unscale(fields[1])
		if err != nil {
			return Reference{}, &DecodeError{Token: tok, Reason: err.Error()}
		}
		return Single(id), nil
	case 3:
		start, err := c.unscale(fields[1])
		if err != nil {
			return Reference{}, &DecodeError{Token: tok, Reason: err.Error()}
		}
		end, err := c.unscale(fields[2])
		if err != nil {
			return Reference{}, &DecodeError{Token: tok, Reason: err.Error()}
		}
		return Range(start, end), nil
	default:
		return Reference{}, &DecodeError{Token: tok, Reason: fmt.Sprintf("want 2 or 3 fields, got %d", len(fields))}
	}
}

// unscale parses one scaled id field and divides out the channel magnitude.
// A field that is not an exact multiple of the scale cannot have been minted
// for this channel and is treated as corrupted.
func (c Codec) unscale(field string) (int64, error) {
	scaled, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q is not an integer", field)
	}
	s := c.scale()
	if s == 0 {
		return scaled, nil
	}
	if scaled%s != 0 {
		return 0, fmt.Errorf("field %q does not belong to this channel", field)
	}
	return scaled / s, nil
}
