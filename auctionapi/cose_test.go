package auctionapi

import (
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/check"
)

func TestCOSE_EncodeBase64(t *testing.T) {
	coseBytes := COSE([]byte("mock-cose-receipt-data"))

	encoded := coseBytes.EncodeBase64()
	check.NotEqual(t, "", encoded)

	decoded, err := encoded.Decode()
	check.Nil(t, err)
	check.Equal(t, coseBytes, decoded)
}

func TestCOSE_CompressGzip(t *testing.T) {
	coseBytes := COSE([]byte("mock-cose-receipt-data-for-compression-testing"))

	compressed, err := coseBytes.CompressGzip()
	check.Nil(t, err)

	for _, char := range compressed.String() {
		valid := (char >= 'A' && char <= 'Z') ||
			(char >= 'a' && char <= 'z') ||
			(char >= '0' && char <= '9') ||
			char == '-' || char == '_'
		check.True(t, valid)
	}

	again, err := coseBytes.CompressGzip()
	check.Nil(t, err)
	check.Equal(t, compressed, again)

	decompressed, err := compressed.Decompress()
	check.Nil(t, err)
	check.Equal(t, coseBytes, decompressed)
}

func TestCOSEBase64_Decode(t *testing.T) {
	tests := []struct {
		name    string
		input   COSEBase64
		want    string
		wantErr bool
	}{
		{name: "standard padded", input: "dGVzdA==", want: "test"},
		{name: "url-safe unpadded", input: "dGVzdGluZw", want: "testing"},
		{name: "url-safe alphabet", input: "-_-_", want: "\xfb\xff\xbf"},
		{name: "illegal characters", input: "not-valid-base64!!!@@@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.input.Decode()
			if tt.wantErr {
				check.NotNil(t, err)
				check.True(t, strings.Contains(err.Error(), "decode COSE base64"))
				check.Nil(t, result)
				return
			}
			check.Nil(t, err)
			check.Equal(t, tt.want, string(result))
		})
	}
}

func TestReceiptResponse_Compact(t *testing.T) {
	signed := COSE([]byte("signed-receipt-bytes"))
	resp := ReceiptResponse{Type: "receipt", ReceiptHash: "abc", ReceiptCOSE: signed.EncodeBase64(), PublicKey: "pem"}

	compact, err := resp.Compact()
	check.Nil(t, err)
	check.Equal(t, COSEBase64(""), compact.ReceiptCOSE)
	check.NotEqual(t, COSEGzip(""), compact.ReceiptGzip)
	check.Equal(t, "abc", compact.ReceiptHash)
	check.Equal(t, "pem", compact.PublicKey)

	fromPlain, err := resp.SignedReceipt()
	check.Nil(t, err)
	fromCompact, err := compact.SignedReceipt()
	check.Nil(t, err)
	check.Equal(t, signed, fromPlain)
	check.Equal(t, signed, fromCompact)

	again, err := compact.Compact()
	check.Nil(t, err)
	check.Equal(t, compact.ReceiptGzip, again.ReceiptGzip)

	_, err = ReceiptResponse{}.SignedReceipt()
	check.NotNil(t, err)
}

func TestCOSEGzip_Decompress_Invalid(t *testing.T) {
	tests := []struct {
		name           string
		input          COSEGzip
		errorSubstring string
	}{
		{name: "invalid base64url", input: "!!!invalid!!!", errorSubstring: "decode base64url"},
		{name: "valid base64 but not gzip", input: "bW9jaw", errorSubstring: "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.input.Decompress()
			check.NotNil(t, err)
			check.Nil(t, result)
			check.True(t, strings.Contains(err.Error(), tt.errorSubstring))
		})
	}
}

func TestExtractCOSEPayload(t *testing.T) {
	untagged, err := cbor.Marshal([]any{[]byte{0xa0}, map[string]any{}, []byte("payload"), []byte("sig")})
	check.Nil(t, err)
	tagged, err := cbor.Marshal(cbor.Tag{Number: 18, Content: []any{[]byte{0xa0}, map[string]any{}, []byte("payload"), []byte("sig")}})
	check.Nil(t, err)
	short, err := cbor.Marshal([]any{[]byte{0xa0}, []byte("payload")})
	check.Nil(t, err)
	noPayload, err := cbor.Marshal([]any{[]byte{0xa0}, map[string]any{}, "text", []byte("sig")})
	check.Nil(t, err)

	payload, err := ExtractCOSEPayload(untagged)
	check.Nil(t, err)
	check.Equal(t, "payload", string(payload))

	payload, err = ExtractCOSEPayload(tagged)
	check.Nil(t, err)
	check.Equal(t, "payload", string(payload))

	_, err = ExtractCOSEPayload(short)
	check.True(t, err != nil && strings.Contains(err.Error(), "expected 4 elements"))

	_, err = ExtractCOSEPayload(noPayload)
	check.True(t, err != nil && strings.Contains(err.Error(), "invalid payload"))

	_, err = ExtractCOSEPayload([]byte("not cbor"))
	check.NotNil(t, err)
}
