package model

// Resource is a schedulable bed.
type Resource struct {
	Base
	Code     string `json:"code" db:"code"`
	Category string `json:"category" db:"category"`
	Active   bool   `json:"active" db:"active"`
}

type CreateResourceRequest struct {
	Code     string `json:"code" binding:"required,max=32"`
	Category string `json:"category" binding:"required,max=64"`
}

type ResourceFilters struct {
	Category string
	Active   *bool
}
