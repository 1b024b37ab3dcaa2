package modules_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/hbomb79/Scribe/internal/api/modules"
)

type stubService struct {
	createdCap int
	createErr  error
}

func (s *stubService) CreateOpencastModule(maxQueueLength int) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}

	s.createdCap = maxQueueLength
	return "module-uid", nil
}

func post(service *stubService, fields map[string]string) *httptest.ResponseRecorder {
	server := echo.New()
	modules.New(service).SetRoutes(server.Group(""))

	form := url.Values{}
	for key, value := range fields {
		form.Set(key, value)
	}

	req := httptest.NewRequest(http.MethodPost, "/module/opencast", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func Test_CreateOpencast_ReturnsModuleID(t *testing.T) {
	t.Parallel()

	service := &stubService{}
	rec := post(service, map[string]string{"max_queue_length": "25"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"moduleId":"module-uid"}`, rec.Body.String())
	assert.Equal(t, 25, service.createdCap)
}

func Test_CreateOpencast_RequiresPositiveQueueLength(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"", "abc", "0", "-3"} {
		rec := post(&stubService{}, map[string]string{"max_queue_length": value})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "max_queue_length %q", value)
		assert.JSONEq(t, `{"error":"No max queue length specified"}`, rec.Body.String())
	}
}

func Test_CreateOpencast_PersistenceFailureIs500(t *testing.T) {
	t.Parallel()

	rec := post(&stubService{createErr: errors.New("db locked")}, map[string]string{"max_queue_length": "10"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to create module"}`, rec.Body.String())
}
