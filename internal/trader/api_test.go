package trader

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func setupAPIServer(st *MockStore) *APIServer {
	return NewAPIServer(nil, st, 0, zap.NewNop())
}

func TestAPIServer_ProfitHandler(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		st := new(MockStore)
		st.On("ClosedProfit").Return(12.34, nil)
		s := setupAPIServer(st)

		rec := httptest.NewRecorder()
		s.profitHandler(rec, httptest.NewRequest(http.MethodGet, "/api/profit", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			TotalProfit float64 `json:"total_profit"`
		}
		assert.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, 12.34, resp.TotalProfit)
	})

	t.Run("StoreError", func(t *testing.T) {
		st := new(MockStore)
		st.On("ClosedProfit").Return(0.0, errors.New("connection reset"))
		s := setupAPIServer(st)

		rec := httptest.NewRecorder()
		s.profitHandler(rec, httptest.NewRequest(http.MethodGet, "/api/profit", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestAPIServer_HealthHandler(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		st := new(MockStore)
		st.On("Ping").Return(nil)
		s := setupAPIServer(st)

		rec := httptest.NewRecorder()
		s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("StoreDown", func(t *testing.T) {
		st := new(MockStore)
		st.On("Ping").Return(errors.New("no reachable servers"))
		s := setupAPIServer(st)

		rec := httptest.NewRecorder()
		s.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestAPIServer_RunHandlerRejectsGet(t *testing.T) {
	s := setupAPIServer(new(MockStore))

	rec := httptest.NewRecorder()
	s.runHandler(rec, httptest.NewRequest(http.MethodGet, "/run", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
