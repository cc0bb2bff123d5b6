package entity

// PropertyData is the normalized shape every scraping collaborator response is mapped into.
type PropertyData struct {
	PropertyName  string   `json:"property_name"`
	Location      string   `json:"location"`
	Rating        *float64 `json:"rating,omitempty"`
	ReviewCount   *int     `json:"review_count,omitempty"`
	Price         string   `json:"price,omitempty"`
	Amenities     []string `json:"amenities"`
	Description   string   `json:"description,omitempty"`
	RecentReviews []Review `json:"recent_reviews"`
	Images        []string `json:"images,omitempty"`
	RawText       string   `json:"raw_text,omitempty"`
}

// Review is one guest review excerpt.
type Review struct {
	Author string   `json:"author,omitempty"`
	Date   string   `json:"date,omitempty"`
	Rating *float64 `json:"rating,omitempty"`
	Text   string   `json:"text"`
}
