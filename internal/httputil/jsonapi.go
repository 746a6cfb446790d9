package httputil

import "net/http"

// JSONAPIResource represents a single JSON:API resource.
type JSONAPIResource struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes any    `json:"attributes"`
}

// JSONAPIErrorObject represents a single JSON:API error.
type JSONAPIErrorObject struct {
	Status int               `json:"status,omitempty"`
	Code   string            `json:"code,omitempty"`
	Title  string            `json:"title,omitempty"`
	Detail string            `json:"detail,omitempty"`
	Source map[string]string `json:"source,omitempty"` // e.g., {"pointer": "/data/attributes/rule_name"}
}

// WriteJSONAPIResource writes a single JSON:API resource response.
func WriteJSONAPIResource(w http.ResponseWriter, status int, resource JSONAPIResource) {
	WriteJSONAPI(w, status, map[string]any{"data": resource})
}

// WriteJSONAPICollection writes a JSON:API collection with a total count.
func WriteJSONAPICollection(w http.ResponseWriter, status int, resources []JSONAPIResource) {
	if resources == nil {
		resources = []JSONAPIResource{}
	}
	WriteJSONAPI(w, status, map[string]any{
		"data": resources,
		"meta": map[string]any{"total": len(resources)},
	})
}

// WriteJSONAPIErrorResponse writes a JSON:API error response with one or more errors.
func WriteJSONAPIErrorResponse(w http.ResponseWriter, status int, errs []JSONAPIErrorObject) {
	WriteJSONAPI(w, status, map[string]any{"errors": errs})
}

// WriteJSONAPIError writes a single JSON:API error.
func WriteJSONAPIError(w http.ResponseWriter, status int, code, title, detail string) {
	WriteJSONAPIErrorResponse(w, status, []JSONAPIErrorObject{{
		Status: status,
		Code:   code,
		Title:  title,
		Detail: detail,
	}})
}

// WriteJSONAPIValidationError writes a 400 pointing at the offending attribute.
func WriteJSONAPIValidationError(w http.ResponseWriter, field, detail string) {
	obj := JSONAPIErrorObject{
		Status: http.StatusBadRequest,
		Code:   "validation_failed",
		Title:  "Validation Failed",
		Detail: detail,
	}
	if field != "" {
		obj.Source = map[string]string{"pointer": "/data/attributes/" + field}
	}
	WriteJSONAPIErrorResponse(w, http.StatusBadRequest, []JSONAPIErrorObject{obj})
}

// WriteJSONAPINotFoundError writes a 404 not found error response.
func WriteJSONAPINotFoundError(w http.ResponseWriter, resourceType, id string) {
	WriteJSONAPIError(w, http.StatusNotFound, "not_found", "Resource Not Found",
		"The requested "+resourceType+" '"+id+"' was not found")
}

// WriteJSONAPIInternalError writes a 500 internal server error response.
// Log the underlying error before calling this.
func WriteJSONAPIInternalError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", detail)
}
