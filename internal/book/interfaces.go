package book

import (
	"context"
	"time"
)

// Source resolves books and chapter bodies from the remote site.
// ChapterContent returns an error matching ErrChallenge when the site answers
// with an anti-automation page.
type Source interface {
	Document(ctx context.Context, url string) (Descriptor, error)
	ChapterContent(ctx context.Context, url string) (Content, error)
}

// Lister expands listing pages into book entries.
type Lister interface {
	Listing(ctx context.Context, url string) ([]ListingEntry, error)
	Categories(ctx context.Context, url string) ([]Category, error)
}

// AssetFetcher retrieves binary assets. It never fails; nil signals a
// tolerated miss.
type AssetFetcher interface {
	AssetBytes(ctx context.Context, url string) []byte
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
