package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/RezaEskandarii/gofleet/internal/state"
)

func getPageNumber(r *http.Request) int {
	page := r.URL.Query().Get("page")
	pageNumber, err := strconv.ParseInt(page, 10, 64)
	if err != nil || pageNumber < 1 {
		pageNumber = 1
	}
	return int(pageNumber)
}

func getPageSize(r *http.Request) int {
	size, err := strconv.Atoi(r.URL.Query().Get("page_size"))
	if err != nil || size < 1 {
		return PageSize
	}
	return min(size, MaxPageSize)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// validGroup accepts an empty filter, a status group or a single status name.
func validGroup(group string) bool {
	if group == "" || state.Group(group) != nil {
		return true
	}
	_, ok := state.ParseStatus(group)
	return ok
}
