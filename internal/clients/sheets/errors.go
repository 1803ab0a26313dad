package sheets

import (
	"errors"

	"google.golang.org/api/googleapi"

	"tablebridge/engine/internal/engine"
)

// wrapError maps a Sheets API failure to a ProviderError so the invoker's
// retry taxonomy sees the HTTP status. RESOURCE_EXHAUSTED quota errors
// keep their reason in the message.
func wrapError(op string, err error) error {
	pe := &engine.ProviderError{
		Provider: "sheets",
		Message:  op,
		Err:      err,
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe.StatusCode = gerr.Code
		pe.Details = gerr.Message
		for _, item := range gerr.Errors {
			if item.Reason != "" {
				pe.Message = op + ": " + item.Reason
				break
			}
		}
	}
	return pe
}
