package model

// SearchDocument is the indexed representation of an item's labels.
// ImageKeywordsJoined is stored under the collection's "imageKeywordsString"
// field, which is the default query field.
type SearchDocument struct {
	SKU                 string   `json:"sku" yaml:"sku"`
	ImageKeywords       []string `json:"imageKeywords" yaml:"imageKeywords"`
	ImageKeywordsJoined string   `json:"imageKeywordsString" yaml:"imageKeywordsString"`
}

// SearchHit is a single ranked match returned by the index.
type SearchHit struct {
	SKU                 string   `json:"sku" yaml:"sku"`
	ImageKeywordsJoined string   `json:"imageKeywordsString" yaml:"imageKeywordsString"`
	Rank                int      `json:"rank" yaml:"rank"`
	TextMatch           int64    `json:"text_match,omitempty" yaml:"text_match,omitempty"`
	MatchedTerms        []string `json:"matched_terms,omitempty" yaml:"matched_terms,omitempty"`
}

// CatalogInfo is display metadata fetched from the catalog service.
type CatalogInfo struct {
	SKU                    string `json:"sku" yaml:"sku"`
	DisplayURL             string `json:"url" yaml:"url"`
	DisplayName            string `json:"name" yaml:"name"`
	RepresentativeImageURI string `json:"image,omitempty" yaml:"image,omitempty"`
}

// SearchResult joins a hit with its catalog entry.
type SearchResult struct {
	SearchHit              `yaml:",inline"`
	DisplayURL             string `json:"url,omitempty" yaml:"url,omitempty"`
	DisplayName            string `json:"name,omitempty" yaml:"name,omitempty"`
	RepresentativeImageURI string `json:"image,omitempty" yaml:"image,omitempty"`
}

// ConsistencyWarning flags a hit whose SKU has no catalog entry.
type ConsistencyWarning struct {
	SKU     string `json:"sku" yaml:"sku"`
	Message string `json:"message" yaml:"message"`
}
