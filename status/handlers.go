package status

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// LivenessHandler is used by k8s to know when to restart a container.
func (r *Reporter) LivenessHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := r.GetStatus()
		if status.IsAlive {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// ReadinessHandler is used by k8s to know when to add the pod to the service
// load balancers.
func (r *Reporter) ReadinessHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := r.GetStatus()
		if status.IsReady {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// StatusHandler returns the current status of the service.
func (r *Reporter) StatusHandler() func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.GetStatus())
	}
}

// ScheduleHandler returns the current and the next round.
func (r *Reporter) ScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.cfg.Backend.Schedule())
	}
}

// BooksHandler returns a snapshot of every book.
func (r *Reporter) BooksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.cfg.Backend.Books())
	}
}

// ParamsHandler returns the governed parameters.
func (r *Reporter) ParamsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.cfg.Backend.Params())
	}
}

// SetPriceHandler publishes a new oracle price.
func (r *Reporter) SetPriceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var priceReq PriceRequest
		if err := json.NewDecoder(req.Body).Decode(&priceReq); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		price, err := decimal.NewFromString(priceReq.Price)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		log.Infof("Admin request to set price of %v to %v",
			priceReq.Collateral, price)

		err = r.cfg.Backend.SetPrice(priceReq.Collateral, price)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// UpdateParamsHandler replaces the governed parameters.
func (r *Reporter) UpdateParamsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var p ParamsInfo
		if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		log.Infof("Admin request to update parameters: %+v", p)

		if err := r.cfg.Backend.UpdateParams(&p); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// TickHandler advances the timer right away.
func (r *Reporter) TickHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := r.cfg.Backend.Tick(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// CloseBooksHandler exits the seats of all queued bids.
func (r *Reporter) CloseBooksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		log.Warnf("Admin request to close all books")

		if err := r.cfg.Backend.CloseBooks(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// limit wraps the handler with the method check and the request limiter.
func (r *Reporter) limit(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.Header().Set("Allow", method)
			writeError(
				w, http.StatusMethodNotAllowed,
				fmt.Errorf("method %v not allowed", req.Method),
			)
			return
		}

		if !r.limiter.Allow() {
			log.Debugf("Rate limited request to %v", req.URL.Path)
			writeError(
				w, http.StatusTooManyRequests,
				fmt.Errorf("rate limit exceeded"),
			)
			return
		}

		h(w, req)
	}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, &errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Unable to encode response: %v", err)
	}
}
