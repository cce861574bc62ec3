package folio

// Page is a view of one constituent page of a folio. It holds no reference of
// its own; it is valid while the caller holds a reference on the folio.
type Page struct {
	folio *Folio
	nr    int
}

// PageAt returns the constituent page caching offset, or nil if the folio
// does not cover it.
func (f *Folio) PageAt(offset uint64) *Page {
	if !f.Contains(offset) {
		return nil
	}
	return &Page{folio: f, nr: int(offset - f.index)}
}

// Pages returns every constituent page in offset order.
func (f *Folio) Pages() []*Page {
	pages := make([]*Page, f.Span())
	for i := range pages {
		pages[i] = &Page{folio: f, nr: i}
	}
	return pages
}

func (p *Page) Folio() *Folio { return p.folio }
func (p *Page) Index() uint64 { return p.folio.index + uint64(p.nr) }

// IsTail is true for every constituent except the first.
func (p *Page) IsTail() bool { return p.nr > 0 }

// Data is the page-sized slice of the folio's memory.
func (p *Page) Data() []byte {
	size := p.folio.PageSize()
	return p.folio.data[p.nr*size : (p.nr+1)*size]
}
