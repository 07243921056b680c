package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/ledgersync/internal/types"
	"github.com/hyperengineering/ledgersync/internal/validation"
)

const problemBase = "https://ledgersync.dev/errors/"

// Problem is an RFC 7807 document. Ledger is an extension member naming the
// ledger the request addressed.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Ledger   string `json:"ledger,omitempty"`
}

// ProblemWithErrors adds per-field validation failures.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// problemKind is a stable problem type. Sync clients switch on the type URI,
// not the status: a 409 is always a version conflict and a 404 from a ledger
// route always means the ledger has no record yet.
type problemKind struct {
	slug   string
	title  string
	status int
}

var (
	problemUnauthorized    = problemKind{"unauthorized", "Missing or invalid bearer token", http.StatusUnauthorized}
	problemMalformed       = problemKind{"malformed-request", "Malformed request", http.StatusBadRequest}
	problemInvalidKey      = problemKind{"invalid-ledger-key", "Invalid ledger key", http.StatusBadRequest}
	problemNotFound        = problemKind{"not-found", "Resource not found", http.StatusNotFound}
	problemLedgerNotFound  = problemKind{"ledger-not-found", "Ledger has no record", http.StatusNotFound}
	problemVersionConflict = problemKind{"version-conflict", "Ledger version conflict", http.StatusConflict}
	problemInvalidUpdate   = problemKind{"invalid-update", "Invalid ledger update", http.StatusUnprocessableEntity}
	problemUnavailable     = problemKind{"store-unavailable", "Ledger store unavailable", http.StatusServiceUnavailable}
	problemInternal        = problemKind{"internal-error", "Internal error", http.StatusInternalServerError}
)

// statusProblems is the fallback kind for a bare status.
var statusProblems = map[int]problemKind{
	http.StatusUnauthorized:        problemUnauthorized,
	http.StatusBadRequest:          problemMalformed,
	http.StatusNotFound:            problemNotFound,
	http.StatusConflict:            problemVersionConflict,
	http.StatusUnprocessableEntity: problemInvalidUpdate,
	http.StatusServiceUnavailable:  problemUnavailable,
	http.StatusInternalServerError: problemInternal,
}

func (k problemKind) problem(r *http.Request, detail string) Problem {
	return Problem{
		Type:     problemBase + k.slug,
		Title:    k.title,
		Status:   k.status,
		Detail:   detail,
		Instance: r.URL.Path,
		Ledger:   LedgerKeyFromContext(r.Context()),
	}
}

func encodeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

func writeKind(w http.ResponseWriter, r *http.Request, k problemKind, detail string) {
	encodeProblem(w, k.status, k.problem(r, detail))
}

// WriteProblem writes the problem registered for status. Statuses without a
// registered kind get the "unknown" type and the standard status text.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	k, ok := statusProblems[status]
	if !ok {
		k = problemKind{"unknown", http.StatusText(status), status}
	}
	writeKind(w, r, k, detail)
}

// WriteProblemWithErrors rejects a ledger update with its field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	encodeProblem(w, problemInvalidUpdate.status, ProblemWithErrors{
		Problem: problemInvalidUpdate.problem(r, detail),
		Errors:  errs,
	})
}

// MapLedgerError writes the problem for an error returned by the ledger
// service. Unrecognized errors become internal-error without their text.
func MapLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeKind(w, r, problemLedgerNotFound, "No update has been committed to this ledger")
	case errors.Is(err, types.ErrVersionConflict):
		writeKind(w, r, problemVersionConflict, "Ledger version has advanced; re-read and retry")
	case errors.Is(err, types.ErrInvalidLedgerKey):
		writeKind(w, r, problemInvalidKey, err.Error())
	case errors.Is(err, types.ErrInvalidMutation):
		writeKind(w, r, problemInvalidUpdate, err.Error())
	case errors.Is(err, types.ErrUnavailable):
		writeKind(w, r, problemUnavailable, "Ledger store unavailable")
	default:
		writeKind(w, r, problemInternal, "Internal error")
	}
}
