package modules

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hbomb79/Scribe/pkg/logger"
)

var controllerLogger = logger.Get("ModulesController")

type (
	// Service creates new module instances on behalf of the HTTP layer.
	Service interface {
		CreateOpencastModule(maxQueueLength int) (string, error)
	}

	Controller struct {
		service Service
	}
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/module/opencast", controller.createOpencast)
}

// createOpencast registers a new Opencast module with its own queue cap and
// returns the UID callers must pass as module_id at submit time.
func (controller *Controller) createOpencast(ec echo.Context) error {
	maxQueueLength, err := strconv.Atoi(ec.FormValue("max_queue_length"))
	if err != nil || maxQueueLength <= 0 {
		return ec.JSON(http.StatusBadRequest, map[string]string{"error": "No max queue length specified"})
	}

	moduleID, err := controller.service.CreateOpencastModule(maxQueueLength)
	if err != nil {
		controllerLogger.Errorf("Failed to create opencast module: %s\n", err)
		return ec.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create module"})
	}

	return ec.JSON(http.StatusCreated, map[string]string{"moduleId": moduleID})
}
