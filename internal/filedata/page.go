package filedata

// Page is one cached unit of file content. The slice length is the logical
// size; only the last page of a file may be shorter than the page size.
// Access is guarded by the owning PageManager's locks.
type Page struct {
	data  []byte
	dirty bool
}

func newPage(buf []byte) *Page { return &Page{data: buf} }

// Size returns the logical size in bytes.
func (p *Page) Size() int64 { return int64(len(p.data)) }

// Dirty reports whether the page holds unflushed writes.
func (p *Page) Dirty() bool { return p.dirty }
