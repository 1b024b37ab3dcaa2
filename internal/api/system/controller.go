package system

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hbomb79/Scribe/internal/selfcare"
)

type (
	// Service assembles the operator-facing system report.
	Service interface {
		SystemStatus() selfcare.SystemStatus
	}

	Controller struct {
		service Service
	}
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.liveness)
	eg.GET("/status/system", controller.systemStatus)
}

func (controller *Controller) liveness(ec echo.Context) error {
	return ec.JSON(http.StatusOK, map[string]any{
		"message": "Listening to API calls",
		"status":  http.StatusOK,
	})
}

func (controller *Controller) systemStatus(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.service.SystemStatus())
}
