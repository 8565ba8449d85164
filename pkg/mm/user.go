package mm

import (
	"errors"
	"unsafe"

	"taskos/pkg/config"
)

// User pointer errors.
var (
	ErrBadAddress = errors.New("bad user address")
	ErrPermission = errors.New("user page lacks required permission")
	ErrMisaligned = errors.New("misaligned user pointer")
	// ErrCrossPage reports a structure that straddles two pages. A single
	// translation only resolves the first page, and the second page's frame
	// is not necessarily adjacent, so such pointers are refused.
	ErrCrossPage = errors.New("user structure straddles a page boundary")
	ErrTooLong   = errors.New("user string not terminated")
)

// maxUserString bounds TranslatedStr.
const maxUserString = config.PageSize

func userPTE(mem *PhysMem, token uint64, va VirtAddr, need PTEFlags) (PageTableEntry, error) {
	pte, ok := FromToken(mem, token).Translate(va.Floor())
	if !ok || !pte.User() {
		return 0, ErrBadAddress
	}
	if pte.Flags()&need != need {
		return 0, ErrPermission
	}
	return pte, nil
}

// TranslatedRefMut resolves the user pointer va in the address space token
// to a kernel reference to a T living in place in physical memory. The page
// must be user-accessible and writable.
func TranslatedRefMut[T any](mem *PhysMem, token uint64, va uint64) (*T, error) {
	var zero T
	size, align := uint64(unsafe.Sizeof(zero)), uint64(unsafe.Alignof(zero))
	if va%align != 0 {
		return nil, ErrMisaligned
	}
	addr := VirtAddr(va)
	if addr.PageOffset()+size > config.PageSize {
		return nil, ErrCrossPage
	}
	pte, err := userPTE(mem, token, addr, PTERead|PTEWrite)
	if err != nil {
		return nil, err
	}
	return View[T](mem, pte.PPN().Addr()+PhysAddr(addr.PageOffset())), nil
}

// TranslatedStr reads a NUL-terminated string from user memory. Each byte is
// translated on its own, so strings may cross pages.
func TranslatedStr(mem *PhysMem, token uint64, va uint64) (string, error) {
	var buf []byte
	for i := uint64(0); i < maxUserString; i++ {
		addr := VirtAddr(va + i)
		pte, err := userPTE(mem, token, addr, PTERead)
		if err != nil {
			return "", err
		}
		c := mem.Frame(pte.PPN())[addr.PageOffset()]
		if c == 0 {
			return string(buf), nil
		}
		buf = append(buf, c)
	}
	return "", ErrTooLong
}

// ReadUser copies len(buf) bytes of user memory at va into buf. Every page
// touched must carry the need flags as well as U.
func ReadUser(mem *PhysMem, token uint64, va uint64, buf []byte, need PTEFlags) error {
	for len(buf) > 0 {
		addr := VirtAddr(va)
		pte, err := userPTE(mem, token, addr, need)
		if err != nil {
			return err
		}
		n := copy(buf, mem.Frame(pte.PPN())[addr.PageOffset():])
		buf = buf[n:]
		va += uint64(n)
	}
	return nil
}

// WriteUser copies data into writable user memory at va.
func WriteUser(mem *PhysMem, token uint64, va uint64, data []byte) error {
	for len(data) > 0 {
		addr := VirtAddr(va)
		pte, err := userPTE(mem, token, addr, PTEWrite)
		if err != nil {
			return err
		}
		n := copy(mem.Frame(pte.PPN())[addr.PageOffset():], data)
		data = data[n:]
		va += uint64(n)
	}
	return nil
}
