package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/server/middleware"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// "wad" accepts a non-negative human decimal with at most 18 places.
	validate.RegisterValidation("wad", func(fl validator.FieldLevel) bool {
		_, err := wad.Parse(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		_, err := domain.NormalizeAddress(fl.Field().String())
		return err == nil
	})
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSlippageExceeded):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrInvalidMarketParams),
		errors.Is(err, domain.ErrInvalidOutcome),
		errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientPoolBalance),
		errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrArithmeticDomain),
		errors.Is(err, domain.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrMarketClosed),
		errors.Is(err, domain.ErrMarketNotEnded),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrMarketNotResolved),
		errors.Is(err, domain.ErrAssertionPending),
		errors.Is(err, domain.ErrNoAssertion),
		errors.Is(err, domain.ErrLivenessNotElapsed),
		errors.Is(err, domain.ErrDisputePending),
		errors.Is(err, domain.ErrAssertionRejected),
		errors.Is(err, domain.ErrInsufficientShares),
		errors.Is(err, domain.ErrNothingToRedeem),
		errors.Is(err, domain.ErrNothingToWithdraw),
		errors.Is(err, domain.ErrSellDisabled),
		errors.Is(err, domain.ErrRescaleNotAllowed),
		errors.Is(err, domain.ErrRescaleAlreadyApplied),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrReentrantCall),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError writes err with its mapped status. Server errors are logged
// and their text withheld from the client.
func respondError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since and until are RFC 3339.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", name, err)
		}
		*dst = &t
	}
	return opts, nil
}

// marketID parses the {id} path parameter.
func marketID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid market id %q", r.PathValue("id"))
	}
	return id, nil
}

// caller returns the authenticated address or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return addr, ok
}

// mustWad parses a field that already passed the "wad" validation.
func mustWad(s string) *uint256.Int {
	v, err := wad.Parse(s)
	if err != nil {
		panic(fmt.Sprintf("handler: validated amount %q: %v", s, err))
	}
	return v
}

// optionalWad parses an optional amount; empty yields nil.
func optionalWad(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return wad.Parse(s)
}

func formatWads(xs []uint256.Int) []string {
	out := make([]string, len(xs))
	for i := range xs {
		out[i] = wad.Format(&xs[i])
	}
	return out
}
