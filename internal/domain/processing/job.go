package processing

import "time"

// FileProgress is the server's progress report for a single file.
type FileProgress struct {
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// ProcessingFile is one uploaded document inside a job.
type ProcessingFile struct {
	Filename         string       `json:"filename"`
	Status           FileStatus   `json:"status"`
	Progress         FileProgress `json:"progress"`
	ValidationErrors []string     `json:"validationErrors,omitempty"`
	Error            string       `json:"error,omitempty"`
}

// HasValidationErrors reports whether extraction flagged the file.
func (f ProcessingFile) HasValidationErrors() bool { return len(f.ValidationErrors) > 0 }

// ProcessingJob mirrors a job owned by the external repository. Values are
// replaced wholesale on every refresh and never mutated in place.
type ProcessingJob struct {
	JobID     string           `json:"jobId"`
	Status    JobStatus        `json:"status"`
	Files     []ProcessingFile `json:"files"`
	CreatedAt time.Time        `json:"createdAt"`
	Progress  float64          `json:"progress,omitempty"`
}

// IsActive reports whether the job or any of its files is pending or
// processing.
func (j ProcessingJob) IsActive() bool {
	if j.Status.IsActive() {
		return true
	}
	for _, f := range j.Files {
		if f.Status.IsActive() {
			return true
		}
	}
	return false
}

// FilesWithValidationErrors returns the files that carry validation errors.
func (j ProcessingJob) FilesWithValidationErrors() []ProcessingFile {
	var out []ProcessingFile
	for _, f := range j.Files {
		if f.HasValidationErrors() {
			out = append(out, f)
		}
	}
	return out
}

// AnyActive reports whether any job in jobs is active.
func AnyActive(jobs []ProcessingJob) bool {
	for _, j := range jobs {
		if j.IsActive() {
			return true
		}
	}
	return false
}

// Invoice is the subset of an invoice record the synchronization layer
// mirrors. The full schema belongs to the repository.
type Invoice struct {
	ID            string    `json:"id"`
	InvoiceNumber string    `json:"invoiceNumber,omitempty"`
	VendorName    string    `json:"vendorName,omitempty"`
	TotalAmount   float64   `json:"totalAmount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Status        string    `json:"status,omitempty"`
	InvoiceDate   Date      `json:"invoiceDate,omitempty"`
}

// InvoiceStatistics is the repository's aggregate view over invoices.
type InvoiceStatistics struct {
	TotalInvoices  int     `json:"totalInvoices"`
	TotalAmount    float64 `json:"totalAmount"`
	PendingCount   int     `json:"pendingCount"`
	ProcessedCount int     `json:"processedCount"`
	VendorCount    int     `json:"vendorCount"`
}
