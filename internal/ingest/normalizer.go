package ingest

import (
	"github.com/sells-group/lead-ingest/internal/model"
)

// NormalizedRow is one record as returned by the standardization
// oracle. Field names are the oracle's response contract.
type NormalizedRow struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Company  string `json:"company"`
	Title    string `json:"title"`
	Location string `json:"location"`
	Remarks  string `json:"remarks"`
	Sheet    string `json:"sheet,omitempty"`
}

// LeadFromNormalized converts one oracle response row into the
// canonical lead shape. Pure function, no I/O; the identity key is
// normalized here so every downstream consumer sees the final form.
func LeadFromNormalized(row NormalizedRow, sourceFile string) model.Lead {
	return model.Lead{
		Email:       NormalizeIdentity(row.Email),
		Name:        row.Name,
		Phone:       row.Phone,
		Company:     row.Company,
		Title:       row.Title,
		Location:    row.Location,
		Remarks:     row.Remarks,
		SourceFile:  sourceFile,
		SourceSheet: row.Sheet,
	}
}
