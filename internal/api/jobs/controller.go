package jobs

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/hbomb79/Scribe/internal/captions"
	"github.com/hbomb79/Scribe/internal/job"
	"github.com/hbomb79/Scribe/internal/module"
	"github.com/hbomb79/Scribe/internal/selfcare"
	"github.com/hbomb79/Scribe/internal/submission"
	"github.com/hbomb79/Scribe/pkg/logger"
)

var controllerLogger = logger.Get("JobsController")

// captionMimeType is served for every caption format.
const captionMimeType = "text/vtt"

type (
	// Service is the slice of the submission pipeline this controller
	// drives.
	Service interface {
		SubmitUpload(priority int32, title *string, payload io.Reader) (string, error)
		SubmitLink(moduleUID string, priority int32, link string, title *string) (string, error)
		Job(uid string) (*job.Job, error)
		Delete(uid string) error
	}

	// Controller defines the routes for submitting, querying and deleting
	// transcription jobs.
	Controller struct {
		validate *validator.Validate
		service  Service
	}
)

func New(validate *validator.Validate, service Service) *Controller {
	return &Controller{validate: validate, service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/transcribe", controller.create)
	eg.GET("/transcribe", controller.getCaptions)
	eg.DELETE("/transcribe", controller.delete)
	eg.GET("/status", controller.getStatus)
	eg.GET("/language", controller.getLanguage)
	eg.GET("/model", controller.getModel)
}

// create admits a new job, sourced either from a direct file upload or from
// a module/link triple.
func (controller *Controller) create(ec echo.Context) error {
	file, fileErr := ec.FormFile("file")
	moduleType := ec.FormValue("module")
	moduleID := ec.FormValue("module_id")
	link := ec.FormValue("link")

	hasUpload := fileErr == nil && file != nil
	hasLink := moduleType != "" && moduleID != "" && link != ""
	if !hasUpload && !hasLink {
		return ec.JSON(http.StatusUnsupportedMediaType, errorBody("No file or link with module and module id"))
	}

	priority, err := parsePriority(ec.FormValue("priority"))
	if err != nil {
		return ec.JSON(http.StatusBadRequest, errorBody("Priority nan"))
	}

	var title *string
	if t := ec.FormValue("title"); t != "" {
		title = &t
	}

	if hasUpload {
		src, err := file.Open()
		if err != nil {
			return ec.JSON(http.StatusInternalServerError, errorBody("Failed to read uploaded file"))
		}
		defer src.Close()

		uid, err := controller.service.SubmitUpload(priority, title, src)
		if err != nil {
			return submitError(ec, err)
		}

		return ec.JSON(http.StatusCreated, map[string]string{"jobId": uid})
	}

	if moduleType != module.OpencastModuleType || title == nil {
		return ec.JSON(http.StatusBadRequest, errorBody("Module not found"))
	}

	if err := controller.validate.Var(link, "required,url"); err != nil {
		return ec.JSON(http.StatusBadRequest, errorBody("Link is not a valid URL"))
	}

	uid, err := controller.service.SubmitLink(moduleID, priority, link, title)
	if err != nil {
		return submitError(ec, err)
	}

	return ec.JSON(http.StatusCreated, map[string]string{"jobId": uid})
}

// getCaptions renders a finished job's result in the requested format.
func (controller *Controller) getCaptions(ec echo.Context) error {
	entry, err := controller.service.Job(ec.QueryParam("id"))
	if err != nil {
		return jobNotFound(ec)
	}

	if entry.Status != job.StatusWhispered {
		return ec.JSON(http.StatusOK, errorBody("Job not whispered yet"))
	}

	format := captions.Format(ec.QueryParam("format"))
	if !captions.Supported(format) {
		return ec.JSON(http.StatusOK, errorBody("Output format not supported"))
	}

	result := entry.WhisperResult.Get()
	if result == nil {
		return ec.JSON(http.StatusOK, errorBody("Job not whispered yet"))
	}

	response := ec.Response()
	response.Header().Set(echo.HeaderContentType, captionMimeType)
	response.WriteHeader(http.StatusOK)
	if err := captions.Render(response, result, format, captions.DefaultOptions()); err != nil {
		controllerLogger.Errorf("Failed to render %s captions for job %s: %s\n", format, entry.UID, err)
		return err
	}

	return nil
}

// delete removes a job entirely. In-flight jobs cannot be deleted.
func (controller *Controller) delete(ec echo.Context) error {
	uid := ec.QueryParam("id")
	if err := controller.service.Delete(uid); err != nil {
		if errors.Is(err, submission.ErrJobProcessing) {
			return ec.JSON(http.StatusOK, errorBody("Job currently processing"))
		}

		return jobNotFound(ec)
	}

	return ec.String(http.StatusOK, "OK")
}

func (controller *Controller) getStatus(ec echo.Context) error {
	entry, err := controller.service.Job(ec.QueryParam("id"))
	if err != nil {
		return jobNotFound(ec)
	}

	return ec.JSON(http.StatusOK, map[string]string{
		"jobId":  entry.UID,
		"status": entry.Status.String(),
	})
}

func (controller *Controller) getLanguage(ec echo.Context) error {
	entry, err := controller.service.Job(ec.QueryParam("id"))
	if err != nil {
		return jobNotFound(ec)
	}

	if entry.WhisperLanguage == nil {
		return ec.JSON(http.StatusOK, errorBody("Job not processed"))
	}

	return ec.JSON(http.StatusOK, map[string]string{
		"jobId":    entry.UID,
		"language": *entry.WhisperLanguage,
	})
}

func (controller *Controller) getModel(ec echo.Context) error {
	entry, err := controller.service.Job(ec.QueryParam("id"))
	if err != nil {
		return jobNotFound(ec)
	}

	if entry.WhisperModel == nil {
		return ec.JSON(http.StatusOK, errorBody("Job not processed"))
	}

	return ec.JSON(http.StatusOK, map[string]string{
		"jobId": entry.UID,
		"model": *entry.WhisperModel,
	})
}

// parsePriority accepts only non-negative integers, matching the submit
// contract (lower value runs first).
func parsePriority(raw string) (int32, error) {
	if raw == "" {
		return 0, errors.New("priority missing")
	}

	priority, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || priority < 0 {
		return 0, errors.New("priority is not a number")
	}

	return int32(priority), nil
}

// submitError maps admission failures on to their response codes.
func submitError(ec echo.Context, err error) error {
	var rejection *selfcare.RejectionError
	switch {
	case errors.As(err, &rejection):
		return ec.JSON(http.StatusInsufficientStorage, errorBody(rejection.Message))
	case errors.Is(err, module.ErrCapExceeded):
		return ec.JSON(http.StatusTooManyRequests, errorBody("Max Opencast Queue length reached"))
	case errors.Is(err, module.ErrModuleNotFound):
		return ec.JSON(http.StatusBadRequest, errorBody("Module ID not found"))
	default:
		controllerLogger.Errorf("Job submission failed: %s\n", err)
		return ec.JSON(http.StatusInternalServerError, errorBody("Job submission failed"))
	}
}

func jobNotFound(ec echo.Context) error {
	return ec.JSON(http.StatusNotFound, errorBody("Job not found"))
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}
