package source

// Selectors configures the CSS selectors used to parse site pages.
type Selectors struct {
	Title        []string `mapstructure:"title"`
	Author       []string `mapstructure:"author"`
	Intro        []string `mapstructure:"intro"`
	Cover        []string `mapstructure:"cover"`
	ChapterLinks []string `mapstructure:"chapter_links"`
	Content      []string `mapstructure:"content"`
	Paragraphs   string   `mapstructure:"paragraphs"`
	Images       string   `mapstructure:"images"`
	// ListingPattern is a path fragment that identifies book links on a
	// listing page.
	ListingPattern string `mapstructure:"listing_pattern"`
	// CategoryPrefix is the path prefix of category links on an index page.
	CategoryPrefix string `mapstructure:"category_prefix"`
}

// DefaultSelectors returns the selector set for the default site layout.
func DefaultSelectors() Selectors {
	return Selectors{
		Title:          []string{".info-name h1", "h1"},
		Author:         []string{".author-name-text"},
		Intro:          []string{".page-abstract-content", ".book-intro"},
		Cover:          []string{".book-cover img", ".page-header-img img"},
		ChapterLinks:   []string{".chapter-item a", ".chapter-list a"},
		Content:        []string{".muye-reader-content", ".muye-reader-content-16"},
		Paragraphs:     "p",
		Images:         "img",
		ListingPattern: "/page/",
		CategoryPrefix: "/rank/",
	}
}

// withDefaults fills empty fields from DefaultSelectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if len(s.Title) == 0 {
		s.Title = d.Title
	}
	if len(s.Author) == 0 {
		s.Author = d.Author
	}
	if len(s.Intro) == 0 {
		s.Intro = d.Intro
	}
	if len(s.Cover) == 0 {
		s.Cover = d.Cover
	}
	if len(s.ChapterLinks) == 0 {
		s.ChapterLinks = d.ChapterLinks
	}
	if len(s.Content) == 0 {
		s.Content = d.Content
	}
	if s.Paragraphs == "" {
		s.Paragraphs = d.Paragraphs
	}
	if s.Images == "" {
		s.Images = d.Images
	}
	if s.ListingPattern == "" {
		s.ListingPattern = d.ListingPattern
	}
	if s.CategoryPrefix == "" {
		s.CategoryPrefix = d.CategoryPrefix
	}
	return s
}
