package handler

import (
	"net/http"
)

// HealthCheckHandler returns 200 OK while check reports no error and 503
// with the error text otherwise. A nil check always reports healthy.
// It can be used for health checks by Docker or other services.
func HealthCheckHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
