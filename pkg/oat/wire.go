package oat

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("oat: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalMethodHeader serializes a MethodHeader, including its safepoint
// table, to canonical CBOR.
func MarshalMethodHeader(h *MethodHeader) ([]byte, error) {
	return cborEncMode.Marshal(h)
}

// UnmarshalMethodHeader deserializes a MethodHeader from CBOR bytes.
func UnmarshalMethodHeader(data []byte) (*MethodHeader, error) {
	var h MethodHeader
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("oat: unmarshal method header: %w", err)
	}
	return &h, nil
}
