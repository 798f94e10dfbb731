package bridge

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/juju/errors"
)

// Codec is the reversible binary-to-text payload encoding. The broker path
// only carries text-safe payloads, so every frame crosses one of these.
type Codec interface {
	Name() string
	Encode(frame []byte) string
	// Decode is tolerant: bytes that cannot belong to the encoding
	// (whitespace, line noise) are skipped, a malformed tail is truncated.
	Decode(text []byte) ([]byte, error)
}

func NewCodec(name string) (Codec, error) {
	switch name {
	case "hex":
		return hexCodec{}, nil
	case "", "base64":
		return base64Codec{}, nil
	}
	return nil, errors.NotValidf("payload encoding %q", name)
}

type hexCodec struct{}

func (hexCodec) Name() string { return "hex" }

func (hexCodec) Encode(frame []byte) string {
	return strings.ToUpper(hex.EncodeToString(frame))
}

func (hexCodec) Decode(text []byte) ([]byte, error) {
	clean := make([]byte, 0, len(text))
	for _, c := range text {
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' {
			clean = append(clean, c)
		}
	}
	if len(clean)%2 == 1 {
		clean = clean[:len(clean)-1]
	}
	b, err := hex.DecodeString(string(clean))
	return b, errors.Trace(err)
}

type base64Codec struct{}

func (base64Codec) Name() string { return "base64" }

func (base64Codec) Encode(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

func (base64Codec) Decode(text []byte) ([]byte, error) {
	clean := make([]byte, 0, len(text))
	for _, c := range text {
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '+' || c == '/' || c == '=' {
			clean = append(clean, c)
		}
	}
	// an incomplete trailing group is garbage, not an error
	clean = clean[:len(clean)-len(clean)%4]
	b, err := base64.StdEncoding.DecodeString(string(clean))
	return b, errors.Trace(err)
}
