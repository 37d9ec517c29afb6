package database

// Reflection is a saved reflection session.
type Reflection struct {
	ID           int64    `json:"id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	SiteName     *string  `json:"site_name,omitempty"`
	Byline       *string  `json:"byline,omitempty"`
	Language     *string  `json:"language,omitempty"`
	TranslatedTo *string  `json:"translated_to,omitempty"`
	Format       string   `json:"format"`
	Summary      []string `json:"summary"`
	Answers      []string `json:"answers"`
	CreatedAt    *string  `json:"created_at,omitempty"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	Reflections        int
	DistinctPages      int
	CachedTranslations int
	LastReflectionAt   string
}
