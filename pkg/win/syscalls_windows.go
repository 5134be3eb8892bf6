package win

import (
	"encoding/binary"
	"errors"
	"reflect"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
	"golang.org/x/sys/windows"
)

var (
	modole32   = windows.NewLazySystemDLL("ole32.dll")
	modshell32 = windows.NewLazySystemDLL("shell32.dll")

	procPropVariantClear             = modole32.NewProc("PropVariantClear")
	procSHQueryUserNotificationState = modshell32.NewProc("SHQueryUserNotificationState")
)

const (
	QUNS_NOT_PRESENT             = 1
	QUNS_BUSY                    = 2
	QUNS_RUNNING_D3D_FULL_SCREEN = 3
	QUNS_PRESENTATION_MODE       = 4
	QUNS_ACCEPTS_NOTIFICATIONS   = 5
	QUNS_QUIET_TIME              = 6
	QUNS_APP                     = 7
)

// longest string a property store hands out, in UTF-16 code units
const maxWideStringLength = 32767

// PROPERTYKEY has the same layout as the OS struct
type PROPERTYKEY struct {
	FmtID ole.GUID
	PID   uint32
}

// PROPVARIANT has the same layout as the OS struct. Val is the 8 or 16 byte union
type PROPVARIANT struct {
	VT        uint16
	Reserved1 uint16
	Reserved2 uint16
	Reserved3 uint16
	Val       [2]uintptr
}

// Payload returns a copy of the union bytes
func (pv *PROPVARIANT) Payload() []byte {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&pv.Val)), unsafe.Sizeof(pv.Val))

	out := make([]byte, len(raw))
	copy(out, raw)

	return out
}

func hrErr(hr uintptr) error {
	if hr != 0 {
		return ole.NewError(hr)
	}

	return nil
}

// SHQueryUserNotificationState tells whether the user is in a state where notifications are welcome
func SHQueryUserNotificationState(state *uint32) error {
	r1, _, _ := procSHQueryUserNotificationState.Call(uintptr(unsafe.Pointer(state)))
	return hrErr(r1)
}

// PropVariantClear frees whatever the variant points to and resets it to VT_EMPTY
func PropVariantClear(pv *PROPVARIANT) error {
	r1, _, _ := procPropVariantClear.Call(uintptr(unsafe.Pointer(pv)))
	return hrErr(r1)
}

// PropertyStoreGetAt reads the key at index. go-wca's own GetAt works on its key type, we want ours
func PropertyStoreGetAt(ps *wca.IPropertyStore, index uint32, key *PROPERTYKEY) error {
	hr, _, _ := syscall.SyscallN(
		ps.VTable().GetAt,
		uintptr(unsafe.Pointer(ps)),
		uintptr(index),
		uintptr(unsafe.Pointer(key)))

	return hrErr(hr)
}

// PropertyStoreGetValue reads the raw variant for key. The caller must PropVariantClear it
func PropertyStoreGetValue(ps *wca.IPropertyStore, key *PROPERTYKEY, pv *PROPVARIANT) error {
	hr, _, _ := syscall.SyscallN(
		ps.VTable().GetValue,
		uintptr(unsafe.Pointer(ps)),
		uintptr(unsafe.Pointer(key)),
		uintptr(unsafe.Pointer(pv)))

	return hrErr(hr)
}

// Activate works around go-wca passing the CLSCTX argument by pointer, which fails with
// E_INVALIDARG on some machines (e.g. over RDP)
func Activate(mmd *wca.IMMDevice, refIID *ole.GUID, clsctx uint32, obj interface{}) error {
	objValue := reflect.ValueOf(obj).Elem()

	hr, _, _ := syscall.SyscallN(
		mmd.VTable().Activate,
		uintptr(unsafe.Pointer(mmd)),
		uintptr(unsafe.Pointer(refIID)),
		uintptr(clsctx),
		0,
		objValue.Addr().Pointer())

	return hrErr(hr)
}

// MemoryReader copies memory that a property variant points into
type MemoryReader struct{}

var errNullPointer = errors.New("null pointer")

// ReadWideString returns the UTF-16LE bytes of the null-terminated string at ptr
func (MemoryReader) ReadWideString(ptr uintptr) ([]byte, error) {
	if ptr == 0 {
		return nil, errNullPointer
	}

	chars := unsafe.Slice((*uint16)(foreignPointer(ptr)), maxWideStringLength)

	n := 0
	for n < len(chars) && chars[n] != 0 {
		n++
	}

	if n == len(chars) {
		return nil, errors.New("unterminated wide string")
	}

	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], chars[i])
	}

	return out, nil
}

// ReadBytes returns a copy of the n bytes at ptr
func (MemoryReader) ReadBytes(ptr uintptr, n int) ([]byte, error) {
	if ptr == 0 {
		return nil, errNullPointer
	}

	if n < 0 {
		return nil, errors.New("negative length")
	}

	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(foreignPointer(ptr)), n))

	return out, nil
}

// foreignPointer turns an address from a property variant into a pointer. The memory belongs to the OS
// allocator and stays valid until PropVariantClear, so the GC never has to know about it
func foreignPointer(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}
