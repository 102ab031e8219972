package v1alpha1

// DrainMode stops the server from scheduling new work. UpdatedBy and
// UpdatedOn record the last change.
type DrainMode struct {
	Drained   bool   `json:"drained"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	UpdatedOn int64  `json:"updatedOn,omitempty"`
}
