package auctionapi

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// COSE is a CBOR encoded COSE_Sign1 message: a signed receipt or a Nitro
// attestation document.
type COSE []byte

// COSEBase64 is a base64 encoded COSE message, standard or URL-safe.
type COSEBase64 string

// COSEGzip is a gzip compressed COSE message in unpadded URL-safe base64,
// short enough to be passed as a query parameter.
type COSEGzip string

// EncodeBase64 encodes c with standard padded base64, the encoding used in
// JSON responses.
func (c COSE) EncodeBase64() COSEBase64 {
	return COSEBase64(base64.StdEncoding.EncodeToString(c))
}

// CompressGzip compresses c. The output is deterministic for a given input.
func (c COSE) CompressGzip() (COSEGzip, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(c); err != nil {
		return "", fmt.Errorf("gzip COSE: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip COSE: %w", err)
	}
	return COSEGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

// Payload returns the payload of an untagged or tagged COSE_Sign1 message
// without verifying it.
func (c COSE) Payload() ([]byte, error) {
	return ExtractCOSEPayload(c)
}

func (b COSEBase64) String() string { return string(b) }

// Decode accepts both the standard and the URL-safe encoding.
func (b COSEBase64) Decode() (COSE, error) {
	if data, err := base64.StdEncoding.DecodeString(string(b)); err == nil {
		return COSE(data), nil
	}
	data, err := base64.RawURLEncoding.DecodeString(string(b))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64: %w", err)
	}
	return COSE(data), nil
}

func (g COSEGzip) String() string { return string(g) }

// Decompress reverses COSE.CompressGzip.
func (g COSEGzip) Decompress() (COSE, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(string(g))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress COSE: %w", err)
	}
	return COSE(data), nil
}

// ExtractCOSEPayload extracts the payload from a COSE_Sign1 array
// [protected, unprotected, payload, signature]. A leading COSE_Sign1 tag is
// accepted.
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	var coseArray []any
	var tagged cbor.RawTag
	if err := cbor.Unmarshal(coseBytes, &tagged); err == nil {
		coseBytes = tagged.Content
	}
	if err := cbor.Unmarshal(coseBytes, &coseArray); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}
	return payload, nil
}
