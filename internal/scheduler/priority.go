package scheduler

import "fmt"

// Kind classifies a task. Each kind maps to one priority band.
type Kind int

const (
	PageDiscovery Kind = iota
	ItemDetail
	ReviewDetail
	ExistenceCheck
	MediaDownload
)

var kindNames = map[Kind]string{
	PageDiscovery:  "page-discovery",
	ItemDetail:     "item-detail",
	ReviewDetail:   "review-detail",
	ExistenceCheck: "existence-check",
	MediaDownload:  "media-download",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds returns every task kind in declaration order
func Kinds() []Kind {
	return []Kind{PageDiscovery, ItemDetail, ReviewDetail, ExistenceCheck, MediaDownload}
}

// Priorities maps a kind to its band; lower bands run first
type Priorities map[Kind]int

// DefaultPriorities orders page discovery first and media download last
func DefaultPriorities() Priorities {
	return Priorities{
		PageDiscovery:  0,
		ItemDetail:     1,
		ReviewDetail:   2,
		ExistenceCheck: 3,
		MediaDownload:  4,
	}
}

// ReviewPriorities swaps page/item with download/check so a review-focused
// run finishes in-flight media before discovering new pages.
func ReviewPriorities() Priorities {
	p := DefaultPriorities()
	p[PageDiscovery], p[MediaDownload] = p[MediaDownload], p[PageDiscovery]
	p[ItemDetail], p[ExistenceCheck] = p[ExistenceCheck], p[ItemDetail]
	return p
}

// PrioritiesFor picks the band order for the run mode
func PrioritiesFor(reviewMode bool) Priorities {
	if reviewMode {
		return ReviewPriorities()
	}
	return DefaultPriorities()
}

// Validate checks that every kind has a band
func (p Priorities) Validate() error {
	for _, k := range Kinds() {
		if _, ok := p[k]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingPriority, k)
		}
	}
	return nil
}

func (p Priorities) band(k Kind) int {
	if band, ok := p[k]; ok {
		return band
	}
	return len(p)
}
