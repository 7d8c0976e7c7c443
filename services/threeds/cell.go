package threeds

import "sync/atomic"

// Branch names the detection path that produced a result.
type Branch string

const (
	BranchExplicit Branch = "explicit"
	BranchPostBody Branch = "post_body"
	BranchQuery    Branch = "query"
	BranchDOMForm  Branch = "dom_form"
	BranchSubmit   Branch = "submit_event"
)

// Capture is a detected result and where it came from.
type Capture struct {
	Result Result
	Branch Branch
}

// Cell holds the first complete result offered to it. Later offers lose.
type Cell struct {
	v atomic.Pointer[Capture]
}

// Offer stores c if it is complete and the cell is still empty. It reports
// whether c was stored.
func (c *Cell) Offer(capture Capture) bool {
	if !capture.Result.Valid() {
		return false
	}
	return c.v.CompareAndSwap(nil, &capture)
}

func (c *Cell) Get() (Capture, bool) {
	p := c.v.Load()
	if p == nil {
		return Capture{}, false
	}
	return *p, true
}
