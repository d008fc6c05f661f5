// Command libtenvad builds the detector as a C shared library:
//
//	go build -buildmode=c-shared -o libten_vad.so ./cmd/libtenvad
//
// cgo writes the matching declarations to libten_vad.h next to the library.
package main

/*
#include <stddef.h>
#include <stdint.h>

typedef void *ten_vad_handle_t;
typedef void (*ten_vad_callback_t)(float probability, int flag, void *user_data);

typedef struct {
	int major;
	int minor;
	int patch;
} ten_vad_version_t;

static inline uintptr_t ten_vad_handle_id(ten_vad_handle_t handle) {
	return (uintptr_t)handle;
}

static inline ten_vad_handle_t ten_vad_handle_from_id(uintptr_t id) {
	return (ten_vad_handle_t)id;
}

static inline void ten_vad_invoke(ten_vad_callback_t cb, float probability, int flag, void *user_data) {
	cb(probability, flag, user_data);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/skypro1111/tenvad/internal/vad"
)

var (
	handles     *handleTable
	handlesOnce sync.Once

	versionCString = C.CString(vad.GetVersion())
)

func table() *handleTable {
	handlesOnce.Do(func() {
		handles = defaultHandleTable()
	})
	return handles
}

//export ten_vad_create
func ten_vad_create(handle *C.ten_vad_handle_t, hopSize C.size_t, threshold C.float) C.int {
	if handle == nil {
		return C.int(vad.CodeInvalidParam)
	}
	*handle = nil

	h, code := table().create(uint64(hopSize), float32(threshold))
	if code != vad.CodeSuccess {
		return C.int(code)
	}
	*handle = C.ten_vad_handle_from_id(C.uintptr_t(h))
	return C.int(vad.CodeSuccess)
}

//export ten_vad_process
func ten_vad_process(handle C.ten_vad_handle_t, audioData *C.int16_t, audioDataLength C.size_t, outProbability *C.float, outFlag *C.int) C.int {
	if handle == nil || audioData == nil || outProbability == nil || outFlag == nil {
		return C.int(vad.CodeInvalidParam)
	}

	n := uint64(audioDataLength)
	probability, flag, code := table().process(uintptr(C.ten_vad_handle_id(handle)), n, func() []int16 {
		return unsafe.Slice((*int16)(unsafe.Pointer(audioData)), n)
	})
	if code != vad.CodeSuccess {
		return C.int(code)
	}
	*outProbability = C.float(probability)
	*outFlag = C.int(flag)
	return C.int(vad.CodeSuccess)
}

//export ten_vad_set_threshold
func ten_vad_set_threshold(handle C.ten_vad_handle_t, threshold C.float) C.int {
	return C.int(table().setThreshold(uintptr(C.ten_vad_handle_id(handle)), float32(threshold)))
}

//export ten_vad_register_callback
func ten_vad_register_callback(handle C.ten_vad_handle_t, callback C.ten_vad_callback_t, userData unsafe.Pointer) C.int {
	if callback == nil {
		return C.int(vad.CodeInvalidParam)
	}
	cb := func(probability float32, flag int, ud any) {
		p, _ := ud.(unsafe.Pointer)
		C.ten_vad_invoke(callback, C.float(probability), C.int(flag), p)
	}
	return C.int(table().registerCallback(uintptr(C.ten_vad_handle_id(handle)), cb, userData))
}

//export ten_vad_destroy
func ten_vad_destroy(handle *C.ten_vad_handle_t) C.int {
	if handle == nil {
		return C.int(vad.CodeInvalidParam)
	}
	if *handle == nil {
		return C.int(vad.CodeSuccess)
	}
	code := table().destroy(uintptr(C.ten_vad_handle_id(*handle)))
	*handle = nil
	return C.int(code)
}

//export ten_vad_get_version
func ten_vad_get_version() *C.char {
	return versionCString
}

//export ten_vad_get_version_struct
func ten_vad_get_version_struct(version *C.ten_vad_version_t) C.int {
	if version == nil {
		return C.int(vad.CodeInvalidParam)
	}
	var v vad.Version
	if err := vad.GetVersionStruct(&v); err != nil {
		return C.int(vad.CodeOf(err))
	}
	version.major = C.int(v.Major)
	version.minor = C.int(v.Minor)
	version.patch = C.int(v.Patch)
	return C.int(vad.CodeSuccess)
}

func main() {}
