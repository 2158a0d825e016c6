package errors

import (
	"encoding/json"
	"net/http"

	"github.com/reeltotext/rtt/log"
)

type apiError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func writeHTTPError(w http.ResponseWriter, msg string, status int, err error) apiError {
	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); encErr != nil {
		log.LogNoVideoID("error writing HTTP error", "http_error_msg", msg, "error", encErr)
	}

	return apiError{msg, status, err}
}

// HTTP Errors
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHTTPError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) apiError {
	return writeHTTPError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHTTPError(w, msg, http.StatusInternalServerError, err)
}
