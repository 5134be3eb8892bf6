package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// VarType is the type tag of a property variant, using the OS VARENUM values
type VarType uint16

const (
	VTEmpty    VarType = 0
	VTI2       VarType = 2
	VTI4       VarType = 3
	VTR4       VarType = 4
	VTR8       VarType = 5
	VTDate     VarType = 7
	VTBool     VarType = 11
	VTI1       VarType = 16
	VTUI1      VarType = 17
	VTUI2      VarType = 18
	VTUI4      VarType = 19
	VTI8       VarType = 20
	VTUI8      VarType = 21
	VTInt      VarType = 22
	VTUInt     VarType = 23
	VTLPWStr   VarType = 31
	VTFileTime VarType = 64
	VTBlob     VarType = 65
)

var varTypeNames = map[VarType]string{
	VTEmpty:    "VT_EMPTY",
	VTI2:       "VT_I2",
	VTI4:       "VT_I4",
	VTR4:       "VT_R4",
	VTR8:       "VT_R8",
	VTDate:     "VT_DATE",
	VTBool:     "VT_BOOL",
	VTI1:       "VT_I1",
	VTUI1:      "VT_UI1",
	VTUI2:      "VT_UI2",
	VTUI4:      "VT_UI4",
	VTI8:       "VT_I8",
	VTUI8:      "VT_UI8",
	VTInt:      "VT_INT",
	VTUInt:     "VT_UINT",
	VTLPWStr:   "VT_LPWSTR",
	VTFileTime: "VT_FILETIME",
	VTBlob:     "VT_BLOB",
}

func (t VarType) String() string {
	if name, ok := varTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("VT(%d)", uint16(t))
}

const (
	// size of a foreign pointer on this platform
	pointerSize = 4 << (^uintptr(0) >> 63)

	// 100ns intervals between 1601-01-01 and 1970-01-01
	fileTimeUnixOffset = 116444736000000000
)

// the OLE automation epoch used by VT_DATE
var oleDateEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var errShortPayload = errors.New("variant payload too short")

// PointerReader dereferences foreign pointers found inside a variant payload.
// implementations must copy; the memory behind ptr is only valid for the duration of the call
type PointerReader interface {
	// ReadWideString returns the UTF-16LE bytes at ptr up to (not including) the null terminator
	ReadWideString(ptr uintptr) ([]byte, error)

	// ReadBytes returns a copy of n bytes at ptr
	ReadBytes(ptr uintptr, n int) ([]byte, error)
}

// Variant is a decoded property value. Only the accessor matching Type returns ok
type Variant struct {
	typ VarType

	i    int64
	u    uint64
	f    float64
	b    bool
	s    string
	blob []byte
	t    time.Time
}

// EmptyVariant is what a property store returns for a key it doesn't have
var EmptyVariant = Variant{typ: VTEmpty}

// StringVariant builds a VT_LPWSTR value
func StringVariant(s string) Variant {
	return Variant{typ: VTLPWStr, s: s}
}

// Uint32Variant builds a VT_UI4 value
func Uint32Variant(v uint32) Variant {
	return Variant{typ: VTUI4, u: uint64(v)}
}

// Type returns the variant's tag
func (v Variant) Type() VarType {
	return v.typ
}

func (v Variant) IsEmpty() bool {
	return v.typ == VTEmpty
}

// Int returns signed integer kinds
func (v Variant) Int() (int64, bool) {
	switch v.typ {
	case VTI1, VTI2, VTI4, VTInt, VTI8:
		return v.i, true
	}

	return 0, false
}

// Uint returns unsigned integer kinds
func (v Variant) Uint() (uint64, bool) {
	switch v.typ {
	case VTUI1, VTUI2, VTUI4, VTUInt, VTUI8:
		return v.u, true
	}

	return 0, false
}

func (v Variant) Float() (float64, bool) {
	switch v.typ {
	case VTR4, VTR8:
		return v.f, true
	}

	return 0, false
}

func (v Variant) Bool() (bool, bool) {
	if v.typ != VTBool {
		return false, false
	}

	return v.b, true
}

// Text returns the value of a VT_LPWSTR variant
func (v Variant) Text() (string, bool) {
	if v.typ != VTLPWStr {
		return "", false
	}

	return v.s, true
}

// Blob returns a copy of a VT_BLOB payload
func (v Variant) Blob() ([]byte, bool) {
	if v.typ != VTBlob {
		return nil, false
	}

	out := make([]byte, len(v.blob))
	copy(out, v.blob)

	return out, true
}

// Time returns VT_FILETIME and VT_DATE values in UTC
func (v Variant) Time() (time.Time, bool) {
	switch v.typ {
	case VTFileTime, VTDate:
		return v.t, true
	}

	return time.Time{}, false
}

// Value returns the typed Go value, or nil for VT_EMPTY
func (v Variant) Value() any {
	switch v.typ {
	case VTI1, VTI2, VTI4, VTInt, VTI8:
		return v.i
	case VTUI1, VTUI2, VTUI4, VTUInt, VTUI8:
		return v.u
	case VTR4, VTR8:
		return v.f
	case VTBool:
		return v.b
	case VTLPWStr:
		return v.s
	case VTBlob:
		out, _ := v.Blob()
		return out
	case VTFileTime, VTDate:
		return v.t
	}

	return nil
}

func (v Variant) String() string {
	switch v.typ {
	case VTEmpty:
		return "<empty>"
	case VTLPWStr:
		return v.s
	case VTBlob:
		return fmt.Sprintf("<blob %d bytes>", len(v.blob))
	case VTFileTime, VTDate:
		return v.t.Format(time.RFC3339)
	}

	return fmt.Sprint(v.Value())
}

// DecodeVariant interprets the union region of a raw property variant according to tag.
// payload starts right after the 8-byte tag/reserved header. Foreign pointers are resolved through mem
// and copied; nothing in the returned Variant refers to foreign memory
func DecodeVariant(tag VarType, payload []byte, mem PointerReader) (Variant, error) {
	v := Variant{typ: tag}

	switch tag {
	case VTEmpty:
		return v, nil

	case VTI1:
		if len(payload) < 1 {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, errShortPayload)
		}
		v.i = int64(int8(payload[0]))

	case VTUI1:
		if len(payload) < 1 {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, errShortPayload)
		}
		v.u = uint64(payload[0])

	case VTI2, VTUI2, VTBool:
		if len(payload) < 2 {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, errShortPayload)
		}
		raw := binary.LittleEndian.Uint16(payload)
		switch tag {
		case VTI2:
			v.i = int64(int16(raw))
		case VTUI2:
			v.u = uint64(raw)
		default:
			// VARIANT_TRUE is -1, but anything non-zero is treated as true
			v.b = raw != 0
		}

	case VTI4, VTInt, VTUI4, VTUInt, VTR4:
		if len(payload) < 4 {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, errShortPayload)
		}
		raw := binary.LittleEndian.Uint32(payload)
		switch tag {
		case VTI4, VTInt:
			v.i = int64(int32(raw))
		case VTR4:
			v.f = float64(math.Float32frombits(raw))
		default:
			v.u = uint64(raw)
		}

	case VTI8, VTUI8, VTR8, VTFileTime, VTDate:
		if len(payload) < 8 {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, errShortPayload)
		}
		raw := binary.LittleEndian.Uint64(payload)
		switch tag {
		case VTI8:
			v.i = int64(raw)
		case VTUI8:
			v.u = raw
		case VTR8:
			v.f = math.Float64frombits(raw)
		case VTFileTime:
			v.t = fileTimeToTime(raw)
		default:
			v.t = oleDateToTime(math.Float64frombits(raw))
		}

	case VTLPWStr:
		ptr, err := readPointer(payload, 0)
		if err != nil {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, err)
		}

		if ptr == 0 {
			return v, nil
		}

		raw, err := mem.ReadWideString(ptr)
		if err != nil {
			return Variant{}, fmt.Errorf("decode %s: read string: %w", tag, err)
		}

		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
		if err != nil {
			return Variant{}, fmt.Errorf("decode %s: utf-16: %w", tag, err)
		}
		v.s = string(decoded)

	case VTBlob:
		if len(payload) < 4 {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, errShortPayload)
		}
		size := binary.LittleEndian.Uint32(payload)

		// the data pointer is aligned to pointer size after the 4-byte length
		ptr, err := readPointer(payload, pointerSize)
		if err != nil {
			return Variant{}, fmt.Errorf("decode %s: %w", tag, err)
		}

		if size == 0 {
			v.blob = []byte{}
			return v, nil
		}

		if ptr == 0 {
			return Variant{}, fmt.Errorf("decode %s: null data pointer for %d bytes", tag, size)
		}

		data, err := mem.ReadBytes(ptr, int(size))
		if err != nil {
			return Variant{}, fmt.Errorf("decode %s: read blob: %w", tag, err)
		}

		v.blob = make([]byte, len(data))
		copy(v.blob, data)

	default:
		return Variant{}, &UnsupportedVariantKindError{Tag: tag}
	}

	return v, nil
}

func readPointer(payload []byte, offset int) (uintptr, error) {
	if len(payload) < offset+pointerSize {
		return 0, errShortPayload
	}

	if pointerSize == 8 {
		return uintptr(binary.LittleEndian.Uint64(payload[offset:])), nil
	}

	return uintptr(binary.LittleEndian.Uint32(payload[offset:])), nil
}

func fileTimeToTime(ticks uint64) time.Time {
	unix100ns := int64(ticks) - fileTimeUnixOffset
	return time.Unix(unix100ns/1e7, (unix100ns%1e7)*100).UTC()
}

func oleDateToTime(days float64) time.Time {
	// the fractional part is always a positive time of day, even for dates before the epoch
	whole := math.Trunc(days)
	frac := math.Abs(days - whole)

	t := oleDateEpoch.AddDate(0, 0, int(whole))
	return t.Add(time.Duration(math.Round(frac * float64(24*time.Hour))))
}
