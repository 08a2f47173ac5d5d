package rest

// CheckBatchRequest checks many numbers at once. The upper bound is
// enforced by the service so it follows configuration.
type CheckBatchRequest struct {
	PhoneNumbers []string `json:"phoneNumbers" validate:"required,min=1"`
}

// AddOptOutRequest adds a number to the tenant's internal list
type AddOptOutRequest struct {
	PhoneNumber   string `json:"phoneNumber" validate:"required,phone"`
	Reason        string `json:"reason" validate:"required,max=500"`
	RequestMethod string `json:"requestMethod" validate:"omitempty,request_method"`
	ContactRef    string `json:"contactRef" validate:"max=255"`
	Notes         string `json:"notes" validate:"max=2000"`
}

// RemoveOptOutRequest revokes an internal opt-out
type RemoveOptOutRequest struct {
	PhoneNumber   string `json:"phoneNumber" validate:"required,phone"`
	RemovedBy     string `json:"removedBy" validate:"required,max=255"`
	RemovedReason string `json:"removedReason" validate:"max=500"`
}

// UploadForm holds the non-file multipart fields of an upload
type UploadForm struct {
	Source     string `json:"source" validate:"required,list_source"`
	State      string `json:"state" validate:"omitempty,len=2,alpha"`
	UploadedBy string `json:"uploadedBy" validate:"max=255"`
}
