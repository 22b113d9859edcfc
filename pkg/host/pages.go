package host

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of executable page allocations.
const PageSize = 0x1000

// ErrPageFrozen is returned when writing to a page that has been made
// read-only.
var ErrPageFrozen = errors.New("host: page is frozen")

// Page is a block of directly executable memory. It is writable until
// Freeze is called, read-only afterwards.
type Page struct {
	buf    []byte
	used   int
	frozen bool
}

// Addr returns the page's entry address.
func (p *Page) Addr() uint64 {
	return pageAddr(p.buf)
}

// Bytes returns the written portion of the page.
func (p *Page) Bytes() []byte {
	return p.buf[:p.used]
}

// Write appends generated code bytes to the page.
func (p *Page) Write(b []byte) error {
	if p.frozen {
		return ErrPageFrozen
	}
	if p.used+len(b) > len(p.buf) {
		return fmt.Errorf("host: generated code (%d bytes) does not fit page of %d", p.used+len(b), len(p.buf))
	}
	copy(p.buf[p.used:], b)
	p.used += len(b)
	return nil
}

// Freeze makes the page read-only. After a successful Freeze the page
// contents can no longer change.
func (p *Page) Freeze() error {
	if p.frozen {
		return nil
	}
	if err := protectReadExec(p.buf); err != nil {
		return err
	}
	p.frozen = true
	return nil
}

// Frozen reports whether the page has been made read-only.
func (p *Page) Frozen() bool {
	return p.frozen
}

// Free releases the page.
func (p *Page) Free() error {
	return freePage(p.buf)
}

// AllocPage allocates one writable, executable page.
func (h *Host) AllocPage() (*Page, error) {
	buf, err := allocPage(PageSize)
	if err != nil {
		return nil, fmt.Errorf("host: cannot allocate executable page: %v", err)
	}
	return &Page{buf: buf}, nil
}
