package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	strings map[uintptr][]byte
	blobs   map[uintptr][]byte
	reads   int
}

func (m *fakeMemory) ReadWideString(ptr uintptr) ([]byte, error) {
	m.reads++

	s, ok := m.strings[ptr]
	if !ok {
		return nil, errors.New("bad pointer")
	}

	return s, nil
}

func (m *fakeMemory) ReadBytes(ptr uintptr, n int) ([]byte, error) {
	m.reads++

	b, ok := m.blobs[ptr]
	if !ok || len(b) < n {
		return nil, errors.New("bad pointer")
	}

	return b[:n], nil
}

func payload(fill func(p []byte)) []byte {
	p := make([]byte, 2*pointerSize)
	fill(p)

	return p
}

func putPointer(p []byte, offset int, ptr uintptr) {
	if pointerSize == 8 {
		binary.LittleEndian.PutUint64(p[offset:], uint64(ptr))
		return
	}

	binary.LittleEndian.PutUint32(p[offset:], uint32(ptr))
}

func TestDecodeVariant_Integers(t *testing.T) {
	tests := []struct {
		name string
		tag  VarType
		raw  []byte
		want any
	}{
		{name: "int8", tag: VTI1, raw: []byte{0xFE}, want: int64(-2)},
		{name: "uint8", tag: VTUI1, raw: []byte{0xFE}, want: uint64(254)},
		{name: "int16", tag: VTI2, raw: []byte{0x00, 0x80}, want: int64(math.MinInt16)},
		{name: "uint16", tag: VTUI2, raw: []byte{0x00, 0x80}, want: uint64(0x8000)},
		{name: "int32", tag: VTI4, raw: []byte{0xFF, 0xFF, 0xFF, 0xFF}, want: int64(-1)},
		{name: "int", tag: VTInt, raw: []byte{0x2A, 0, 0, 0}, want: int64(42)},
		{name: "uint32", tag: VTUI4, raw: []byte{0xFF, 0xFF, 0xFF, 0xFF}, want: uint64(math.MaxUint32)},
		{name: "uint", tag: VTUInt, raw: []byte{0x01, 0x02, 0, 0}, want: uint64(0x0201)},
		{name: "int64", tag: VTI8, raw: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, want: int64(-1)},
		{name: "uint64", tag: VTUI8, raw: []byte{0, 0, 0, 0, 0, 0, 0, 0x80}, want: uint64(1 << 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := payload(func(p []byte) { copy(p, tt.raw) })

			v, err := DecodeVariant(tt.tag, p, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.tag, v.Type())
			assert.Equal(t, tt.want, v.Value())
		})
	}
}

func TestDecodeVariant_AccessorsCheckKind(t *testing.T) {
	v, err := DecodeVariant(VTI4, payload(func(p []byte) { p[0] = 7 }), nil)
	require.NoError(t, err)

	i, ok := v.Int()
	assert.True(t, ok)
	assert.Equal(t, int64(7), i)

	_, ok = v.Uint()
	assert.False(t, ok)

	_, ok = v.Text()
	assert.False(t, ok)

	_, ok = v.Blob()
	assert.False(t, ok)

	_, ok = v.Time()
	assert.False(t, ok)
}

func TestDecodeVariant_FloatsAndBool(t *testing.T) {
	v, err := DecodeVariant(VTR4, payload(func(p []byte) {
		binary.LittleEndian.PutUint32(p, math.Float32bits(0.5))
	}), nil)
	require.NoError(t, err)

	f, ok := v.Float()
	require.True(t, ok)
	assert.Equal(t, 0.5, f)

	v, err = DecodeVariant(VTR8, payload(func(p []byte) {
		binary.LittleEndian.PutUint64(p, math.Float64bits(-12.25))
	}), nil)
	require.NoError(t, err)

	f, ok = v.Float()
	require.True(t, ok)
	assert.Equal(t, -12.25, f)

	v, err = DecodeVariant(VTBool, payload(func(p []byte) { p[0], p[1] = 0xFF, 0xFF }), nil)
	require.NoError(t, err)

	b, ok := v.Bool()
	require.True(t, ok)
	assert.True(t, b)

	v, err = DecodeVariant(VTBool, payload(func(p []byte) {}), nil)
	require.NoError(t, err)

	b, ok = v.Bool()
	require.True(t, ok)
	assert.False(t, b)
}

func TestDecodeVariant_WideString(t *testing.T) {
	mem := &fakeMemory{strings: map[uintptr][]byte{
		0x1000: {'H', 0, 'i', 0, 0x3A, 0x04},
	}}

	v, err := DecodeVariant(VTLPWStr, payload(func(p []byte) { putPointer(p, 0, 0x1000) }), mem)
	require.NoError(t, err)

	s, ok := v.Text()
	require.True(t, ok)
	assert.Equal(t, "Hiк", s)
	assert.Equal(t, "Hiк", v.String())
	assert.Equal(t, 1, mem.reads)
}

func TestDecodeVariant_NullWideString(t *testing.T) {
	mem := &fakeMemory{}

	v, err := DecodeVariant(VTLPWStr, payload(func(p []byte) {}), mem)
	require.NoError(t, err)

	s, ok := v.Text()
	require.True(t, ok)
	assert.Empty(t, s)
	assert.Zero(t, mem.reads)
}

func TestDecodeVariant_Blob(t *testing.T) {
	backing := []byte{1, 2, 3, 4, 5}
	mem := &fakeMemory{blobs: map[uintptr][]byte{0x2000: backing}}

	v, err := DecodeVariant(VTBlob, payload(func(p []byte) {
		binary.LittleEndian.PutUint32(p, 3)
		putPointer(p, pointerSize, 0x2000)
	}), mem)
	require.NoError(t, err)

	blob, ok := v.Blob()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, blob)

	// the decoded value must not alias foreign memory
	backing[0] = 9
	blob, _ = v.Blob()
	assert.Equal(t, byte(1), blob[0])
}

func TestDecodeVariant_EmptyBlob(t *testing.T) {
	v, err := DecodeVariant(VTBlob, payload(func(p []byte) {}), &fakeMemory{})
	require.NoError(t, err)

	blob, ok := v.Blob()
	require.True(t, ok)
	assert.Empty(t, blob)
}

func TestDecodeVariant_NullBlobWithSize(t *testing.T) {
	_, err := DecodeVariant(VTBlob, payload(func(p []byte) {
		binary.LittleEndian.PutUint32(p, 16)
	}), &fakeMemory{})

	assert.Error(t, err)
}

func TestDecodeVariant_FileTime(t *testing.T) {
	want := time.Date(2020, time.August, 31, 12, 30, 0, 0, time.UTC)
	ticks := uint64(want.UnixNano()/100) + fileTimeUnixOffset

	v, err := DecodeVariant(VTFileTime, payload(func(p []byte) {
		binary.LittleEndian.PutUint64(p, ticks)
	}), nil)
	require.NoError(t, err)

	got, ok := v.Time()
	require.True(t, ok)
	assert.True(t, want.Equal(got), "got %s", got)
}

func TestDecodeVariant_Date(t *testing.T) {
	v, err := DecodeVariant(VTDate, payload(func(p []byte) {
		binary.LittleEndian.PutUint64(p, math.Float64bits(2.25))
	}), nil)
	require.NoError(t, err)

	got, ok := v.Time()
	require.True(t, ok)
	assert.Equal(t, time.Date(1900, time.January, 1, 6, 0, 0, 0, time.UTC), got)

	// before the epoch the fraction still counts forward from midnight
	v, err = DecodeVariant(VTDate, payload(func(p []byte) {
		binary.LittleEndian.PutUint64(p, math.Float64bits(-1.5))
	}), nil)
	require.NoError(t, err)

	got, _ = v.Time()
	assert.Equal(t, time.Date(1899, time.December, 29, 12, 0, 0, 0, time.UTC), got)
}

func TestDecodeVariant_Empty(t *testing.T) {
	v, err := DecodeVariant(VTEmpty, nil, nil)
	require.NoError(t, err)

	assert.True(t, v.IsEmpty())
	assert.Nil(t, v.Value())
}

func TestDecodeVariant_ShortPayload(t *testing.T) {
	for _, tag := range []VarType{VTI1, VTI2, VTI4, VTI8, VTR8, VTFileTime, VTLPWStr, VTBlob} {
		_, err := DecodeVariant(tag, nil, &fakeMemory{})
		assert.ErrorIs(t, err, errShortPayload, "tag %s", tag)
	}
}

func TestDecodeVariant_UnsupportedTag(t *testing.T) {
	v, err := DecodeVariant(9999, payload(func(p []byte) { p[0] = 0xAB }), nil)

	require.ErrorIs(t, err, ErrUnsupportedVariantKind)

	var kindErr *UnsupportedVariantKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, VarType(9999), kindErr.Tag)
	assert.Equal(t, Variant{}, v)
	assert.Contains(t, err.Error(), "9999")
}

func TestDecodeVariant_ReaderError(t *testing.T) {
	_, err := DecodeVariant(VTLPWStr, payload(func(p []byte) { putPointer(p, 0, 0xDEAD) }), &fakeMemory{})

	assert.Error(t, err)
}
