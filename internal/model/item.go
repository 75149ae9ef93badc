package model

// CatalogItem is a product discovered on the storefront. Items are keyed by
// SKU and never mutated after discovery.
type CatalogItem struct {
	ItemKey         string `json:"item_key"`
	SourceDetailURL string `json:"source_detail_url"`
	ImageURI        string `json:"image_uri"`
}

// ImageAsset is the local copy of an item's image written by the asset
// fetcher. One asset exists per item key; re-fetching overwrites it.
type ImageAsset struct {
	ItemKey       string `json:"item_key"`
	LocalPath     string `json:"local_path"`
	ProvenanceURL string `json:"provenance_url"`
}
